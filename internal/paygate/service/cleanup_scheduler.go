package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Paygate/server/internal/alert"
	"github.com/BrandonDHaskell/Paygate/server/internal/backoff"
	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

const DefaultGrantDuration = 60 * time.Second

// NoEntryMessage is the failure reported when a cleanup finds no grant.
const NoEntryMessage = "no database entry found"

var ErrSchedulerClosed = errors.New("cleanup scheduler is shut down")

var errNoEntry = errors.New(NoEntryMessage)

// CleanupState is where an IP sits in the cleanup lifecycle.
type CleanupState string

const (
	StateIdle      CleanupState = "idle"
	StateScheduled CleanupState = "scheduled"
	StateExecuting CleanupState = "executing"
	StateRetrying  CleanupState = "retrying"
	StateDone      CleanupState = "done"
	StateExhausted CleanupState = "exhausted"
)

type SchedulerConfig struct {
	// DefaultDelay is used when Schedule is given a non-positive delay.
	DefaultDelay time.Duration

	// Backoff governs the retry loop around a whole cleanup attempt.
	Backoff backoff.Policy

	Clock clock.Clock
}

// CleanupScheduler owns one pending timer per IP and, when it fires,
// deletes the IP's whitelist rules and marks its grant cleaned up.
type CleanupScheduler struct {
	grants       store.GrantStore
	rules        RuleClient
	alerter      Alerter
	clock        clock.Clock
	policy       backoff.Policy
	defaultDelay time.Duration
	logger       *logging.Logger
	metrics      *metrics.Registry

	mu       sync.Mutex
	pending  map[string]*pendingCleanup
	states   map[string]CleanupState
	closed   bool
	inflight sync.WaitGroup
}

// pendingCleanup is the handle stored for a scheduled IP. A timer only
// runs if its handle is still the one in the table.
type pendingCleanup struct {
	timer *clock.Timer
	due   time.Time
}

func NewCleanupScheduler(
	grants store.GrantStore,
	rules RuleClient,
	alerter Alerter,
	cfg SchedulerConfig,
	logger *logging.Logger,
) *CleanupScheduler {
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = DefaultGrantDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	policy := cfg.Backoff
	policy.Clock = cfg.Clock
	policy.Retryable = func(err error) bool { return !errors.Is(err, errNoEntry) }

	return &CleanupScheduler{
		grants:       grants,
		rules:        rules,
		alerter:      alerter,
		clock:        cfg.Clock,
		policy:       policy,
		defaultDelay: cfg.DefaultDelay,
		logger:       logger.WithComponent("cleanup"),
		metrics:      metrics.Get(),
		pending:      make(map[string]*pendingCleanup),
		states:       make(map[string]CleanupState),
	}
}

// Schedule arranges a cleanup for ip after delay, replacing any pending one.
// A non-positive delay means the default grant duration.
func (s *CleanupScheduler) Schedule(ip string, delay time.Duration) error {
	if delay <= 0 {
		delay = s.defaultDelay
	}
	return s.arm(ip, delay)
}

// ScheduleAt arranges a cleanup for ip at due. A due time in the past runs
// the cleanup as soon as possible.
func (s *CleanupScheduler) ScheduleAt(ip string, due time.Time) error {
	delay := due.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	return s.arm(ip, delay)
}

func (s *CleanupScheduler) arm(ip string, delay time.Duration) error {
	h := &pendingCleanup{due: s.clock.Now().Add(delay)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	replaced := s.stopLocked(ip)
	s.pending[ip] = h
	s.states[ip] = StateScheduled
	s.metrics.CleanupsScheduled.Set(float64(len(s.pending)))
	s.mu.Unlock()

	s.logger.Info("cleanup scheduled", "ip", ip, "delay", delay, "due", h.due, "replaced", replaced)

	// Armed outside the lock: a zero delay may fire synchronously.
	t := s.clock.AfterFunc(delay, func() { s.fire(ip, h) })

	s.mu.Lock()
	h.timer = t
	s.mu.Unlock()
	return nil
}

// stopLocked cancels the pending timer for ip, if any.
func (s *CleanupScheduler) stopLocked(ip string) bool {
	h, ok := s.pending[ip]
	if !ok {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(s.pending, ip)
	if s.states[ip] == StateScheduled {
		s.states[ip] = StateIdle
	}
	return true
}

// Cancel drops the pending cleanup for ip. It reports whether one existed.
// A cleanup already executing is not interrupted.
func (s *CleanupScheduler) Cancel(ip string) bool {
	s.mu.Lock()
	ok := s.stopLocked(ip)
	s.metrics.CleanupsScheduled.Set(float64(len(s.pending)))
	s.mu.Unlock()

	if ok {
		s.logger.Info("cleanup cancelled", "ip", ip)
	}
	return ok
}

// CancelAll drops every pending cleanup and returns how many there were.
func (s *CleanupScheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelAllLocked()
}

func (s *CleanupScheduler) cancelAllLocked() int {
	n := 0
	for ip := range s.pending {
		if s.stopLocked(ip) {
			n++
		}
	}
	s.metrics.CleanupsScheduled.Set(0)
	if n > 0 {
		s.logger.Info("cancelled all pending cleanups", "count", n)
	}
	return n
}

// ScheduledIPs returns the IPs with a pending cleanup, sorted.
func (s *CleanupScheduler) ScheduledIPs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ips := make([]string, 0, len(s.pending))
	for ip := range s.pending {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

func (s *CleanupScheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Due returns when the pending cleanup for ip will run.
func (s *CleanupScheduler) Due(ip string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pending[ip]
	if !ok {
		return time.Time{}, false
	}
	return h.due, true
}

func (s *CleanupScheduler) State(ip string) CleanupState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[ip]; ok {
		return st
	}
	return StateIdle
}

func (s *CleanupScheduler) setState(ip string, st CleanupState) {
	s.mu.Lock()
	s.states[ip] = st
	s.mu.Unlock()
}

// Closed reports whether Shutdown has been called.
func (s *CleanupScheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown cancels every pending cleanup, refuses new work and waits for
// executions already running, or for ctx to end.
func (s *CleanupScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cancelAllLocked()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleanup shutdown: %w", ctx.Err())
	}
}

// begin registers an execution unless the scheduler is closed.
func (s *CleanupScheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *CleanupScheduler) fire(ip string, h *pendingCleanup) {
	s.mu.Lock()
	if s.pending[ip] != h || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, ip)
	s.metrics.CleanupsScheduled.Set(float64(len(s.pending)))
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()

	// Timer-driven cleanups run to completion regardless of callers.
	s.execute(context.Background(), ip)
}

// Execute runs a cleanup for ip now. It does not touch a pending timer;
// callers revoking early cancel it first. Once started, the cleanup runs
// until it succeeds or exhausts its retries even if ctx ends.
func (s *CleanupScheduler) Execute(ctx context.Context, ip string) types.CleanupResult {
	if !s.begin() {
		return types.CleanupResult{IP: ip, Error: ErrSchedulerClosed.Error()}
	}
	defer s.inflight.Done()
	return s.execute(context.WithoutCancel(ctx), ip)
}

func (s *CleanupScheduler) execute(ctx context.Context, ip string) types.CleanupResult {
	res := types.CleanupResult{IP: ip}
	s.setState(ip, StateExecuting)

	attempt := func(ctx context.Context) error {
		s.setState(ip, StateExecuting)
		ruleID, err := s.cleanupOnce(ctx, ip)
		if ruleID != "" {
			res.RuleID = ruleID
		}
		return err
	}

	retries, err := s.policy.Run(ctx, attempt, func(n int, delay time.Duration, err error) {
		s.setState(ip, StateRetrying)
		s.metrics.CleanupRetries.Inc()
		s.logger.Warn("cleanup attempt failed, retrying",
			"ip", ip, "retry", n, "max_retries", s.policy.Ceiling, "delay", delay, "error", err)
	})
	res.RetryCount = retries

	var exhausted *backoff.ExhaustedError
	switch {
	case err == nil:
		res.Success = true
		s.setState(ip, StateDone)
		s.metrics.CleanupsTotal.WithLabelValues("success").Inc()
		s.logger.Info("cleanup complete", "ip", ip, "success", true, "rule_id", res.RuleID, "retries", retries)

	case errors.Is(err, errNoEntry):
		res.Error = NoEntryMessage
		s.setState(ip, StateDone)
		s.metrics.CleanupsTotal.WithLabelValues("no_entry").Inc()
		s.logger.Warn("cleanup skipped", "ip", ip, "success", false, "error", NoEntryMessage)

	case errors.As(err, &exhausted):
		res.Error = exhausted.Err.Error()
		s.setState(ip, StateExhausted)
		s.metrics.CleanupsTotal.WithLabelValues("exhausted").Inc()
		s.logger.Error("cleanup retries exhausted",
			"ip", ip, "success", false, "retries", retries, "error", exhausted.Err)
		s.alert(ip, retries, exhausted.Err)

	default:
		res.Error = err.Error()
		s.setState(ip, StateIdle)
		s.metrics.CleanupsTotal.WithLabelValues("aborted").Inc()
		s.logger.Warn("cleanup aborted", "ip", ip, "success", false, "retries", retries, "error", err)
	}
	return res
}

// cleanupOnce is one pass of the cleanup sequence. It returns the id of
// the last rule deleted.
func (s *CleanupScheduler) cleanupOnce(ctx context.Context, ip string) (string, error) {
	if _, err := s.grants.GetGrant(ctx, ip); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errNoEntry
		}
		return "", fmt.Errorf("read grant: %w", err)
	}

	rules, err := s.rules.ListRules(ctx, ip)
	if err != nil {
		return "", fmt.Errorf("list rules: %w", err)
	}

	var ruleID string
	matched := 0
	for _, r := range rules {
		if r.Mode != types.ModeWhitelist || r.Value != ip {
			continue
		}
		matched++
		if err := s.rules.DeleteRule(ctx, r.ID); err != nil {
			return ruleID, fmt.Errorf("delete rule %s: %w", r.ID, err)
		}
		ruleID = r.ID
	}
	if matched == 0 {
		s.logger.Warn("no whitelist rule found during cleanup", "ip", ip)
	}

	if _, err := s.grants.MarkCleanedUp(ctx, ip, s.clock.Now().UTC()); err != nil {
		return ruleID, fmt.Errorf("mark cleaned up: %w", err)
	}
	return ruleID, nil
}

func (s *CleanupScheduler) alert(ip string, retries int, last error) {
	if s.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := s.alerter.Send(ctx, alert.Notification{
		Title:   "Access cleanup failed",
		Message: fmt.Sprintf("Cleanup for %s failed after %d retries; its whitelist rule may still be live. Last error: %v", ip, retries, last),
		Level:   alert.LevelCritical,
		Data: map[string]any{
			"ip":         ip,
			"retries":    retries,
			"last_error": last.Error(),
		},
	})
	if err != nil {
		s.logger.Error("cleanup alert delivery failed", "ip", ip, "error", err)
	}
}
