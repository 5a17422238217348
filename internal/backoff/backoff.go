// Package backoff holds the retry policy shared by the remote firewall
// client and the cleanup scheduler. Each component builds its own Policy so
// the retry predicates can differ.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
)

const (
	DefaultBase    = time.Second
	DefaultCeiling = 3

	// maxShift keeps Base << attempt from overflowing.
	maxShift = 20
)

var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is returned when every allowed attempt failed with a
// retryable error. It matches both ErrExhausted and the last error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// Policy is exponential backoff: the wait before retry n (0-based) is
// Base * 2^n, and at most Ceiling retries follow the first attempt.
type Policy struct {
	Base    time.Duration
	Ceiling int

	// Retryable reports whether err is worth another attempt. Nil treats
	// every error as retryable.
	Retryable func(error) bool

	Clock clock.Clock
}

// RetryFunc observes a retry before its wait starts. attempt is 1-based.
type RetryFunc func(attempt int, delay time.Duration, err error)

// Delay returns the wait before the retry with the given 0-based index.
func (p Policy) Delay(retry int) time.Duration {
	if retry > maxShift {
		retry = maxShift
	}
	if retry < 0 {
		retry = 0
	}
	return p.Base << uint(retry)
}

// Run calls op until it succeeds, fails with a non-retryable error, the
// context ends, or the ceiling is reached. It returns the number of
// retries performed alongside the outcome.
func (p Policy) Run(ctx context.Context, op func(ctx context.Context) error, onRetry RetryFunc) (int, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ceiling := p.Ceiling
	if ceiling < 0 {
		ceiling = 0
	}

	retries := 0
	for {
		err := op(ctx)
		if err == nil {
			return retries, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return retries, err
		}
		if retries >= ceiling {
			return retries, &ExhaustedError{Attempts: retries + 1, Err: err}
		}

		delay := p.Delay(retries)
		retries++
		if onRetry != nil {
			onRetry(retries, delay, err)
		}

		select {
		case <-ctx.Done():
			return retries, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-clk.After(delay):
		}
	}
}
