package firewall

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidIP = errors.New("invalid ip address")

	// ErrRateLimited matches an unavailable error whose last attempt was
	// answered with HTTP 429.
	ErrRateLimited = errors.New("rate limited by remote firewall")

	// ErrServiceUnavailable is returned once transient failures outlast the
	// retry ceiling.
	ErrServiceUnavailable = errors.New("remote firewall unavailable")

	// ErrPermanent matches every rejection that retrying cannot fix.
	ErrPermanent = errors.New("remote firewall rejected request")
)

// APIError is a non-retryable response from the remote firewall: a non-2xx
// status other than 429, or a body that could not be understood.
type APIError struct {
	Op         string
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	msg := "unexpected response"
	if len(e.Messages) > 0 {
		msg = strings.Join(e.Messages, "; ")
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, msg)
}

func (e *APIError) Is(target error) bool { return target == ErrPermanent }

// UnavailableError reports retry exhaustion. It matches
// ErrServiceUnavailable and whatever the last attempt failed with.
type UnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: remote firewall unavailable after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrServiceUnavailable, e.Err} }

// transientError marks an attempt worth retrying.
type transientError struct {
	status int // 0 for network errors
	err    error
}

func (e *transientError) Error() string {
	if e.status == 429 {
		return "status 429: rate limited"
	}
	return e.err.Error()
}

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool {
	return target == ErrRateLimited && e.status == 429
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
