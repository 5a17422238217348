package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/firewall"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

// MaxProofAttempts bounds how often a queued proof is retried after
// transient failures before it is dropped.
const MaxProofAttempts = 5

// GrantOutcome describes the result of a successful Grant call.
type GrantOutcome struct {
	Entry          types.AccessGrantEntry
	Rule           types.AccessRule
	Payment        types.PaymentRecord
	AlreadyGranted bool
}

// AccessStatus is the current grant state of one IP.
type AccessStatus struct {
	IP          string
	Whitelisted bool
	ExpiresAt   *time.Time
	Remaining   time.Duration
}

type OrchestratorConfig struct {
	GrantDuration time.Duration
	Clock         clock.Clock
}

// Orchestrator turns verified payments into time-bounded whitelist rules
// and hands their expiry to the cleanup scheduler.
type Orchestrator struct {
	verifier  *Verifier
	rules     RuleClient
	grants    store.GrantStore
	payments  store.PaymentStore
	scheduler *CleanupScheduler
	proofs    *ProofQueue
	clock     clock.Clock
	duration  time.Duration
	logger    *logging.Logger
	metrics   *metrics.Registry

	group singleflight.Group
}

func NewOrchestrator(
	verifier *Verifier,
	rules RuleClient,
	grants store.GrantStore,
	payments store.PaymentStore,
	scheduler *CleanupScheduler,
	proofs *ProofQueue,
	cfg OrchestratorConfig,
	logger *logging.Logger,
) *Orchestrator {
	if cfg.GrantDuration <= 0 {
		cfg.GrantDuration = DefaultGrantDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if proofs == nil {
		proofs = NewProofQueue(0)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		verifier:  verifier,
		rules:     rules,
		grants:    grants,
		payments:  payments,
		scheduler: scheduler,
		proofs:    proofs,
		clock:     cfg.Clock,
		duration:  cfg.GrantDuration,
		logger:    logger.WithComponent("orchestrator"),
		metrics:   metrics.Get(),
	}
}

func (o *Orchestrator) GrantDuration() time.Duration { return o.duration }

// flight is the result of one shared grant execution, tagged with the
// payment it redeemed.
type flight struct {
	ref string
	out GrantOutcome
}

// Grant redeems payment ref for ip. An IP with a live grant is reported as
// AlreadyGranted and the payment is left unconsumed. Concurrent grants for
// the same IP share one execution, which runs to completion even if the
// caller that started it goes away.
func (o *Orchestrator) Grant(ctx context.Context, ref, ip string) (GrantOutcome, error) {
	canon, err := firewall.ParseIP(ip)
	if err != nil {
		return GrantOutcome{}, err
	}
	ref, err = NormalizeReference(ref)
	if err != nil {
		return GrantOutcome{}, err
	}

	for {
		v, err, _ := o.group.Do(canon, func() (any, error) {
			out, err := o.grant(context.WithoutCancel(ctx), ref, canon)
			return flight{ref: ref, out: out}, err
		})
		f := v.(flight)
		if f.ref == ref {
			if err != nil {
				return GrantOutcome{}, err
			}
			return f.out, nil
		}

		// Joined a grant for another payment. Its success means the IP is
		// already granted and this payment stays untouched; its failure
		// says nothing about this payment, which gets its own attempt.
		if err == nil {
			return GrantOutcome{Entry: f.out.Entry, Rule: f.out.Rule, AlreadyGranted: true}, nil
		}
		if err := ctx.Err(); err != nil {
			return GrantOutcome{}, err
		}
		o.logger.Debug("joined grant for another payment failed, retrying with own payment",
			"ip", canon, "ref", ref, "other_ref", f.ref, "error", err)
	}
}

func (o *Orchestrator) grant(ctx context.Context, ref, ip string) (GrantOutcome, error) {
	if e, ok, err := o.activeGrant(ctx, ip); err != nil {
		return GrantOutcome{}, err
	} else if ok {
		o.metrics.GrantsTotal.WithLabelValues("already_granted").Inc()
		o.logger.Info("grant skipped, ip already whitelisted", "ip", ip, "ref", ref)
		return GrantOutcome{Entry: e, AlreadyGranted: true}, nil
	}

	rec, err := o.verifier.Verify(ctx, ref)
	if errors.Is(err, ErrAlreadyProcessed) {
		rec, err = o.resumable(ctx, ref, ip, err)
	}
	if err != nil {
		o.metrics.GrantsTotal.WithLabelValues("payment_rejected").Inc()
		return GrantOutcome{}, err
	}

	if err := o.payments.Claim(ctx, ref, ip); err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) {
			err = ErrAlreadyProcessed
		}
		o.metrics.GrantsTotal.WithLabelValues("payment_rejected").Inc()
		return GrantOutcome{}, err
	}

	notes := fmt.Sprintf("paygate: paid %s %s (%s)", types.FormatOctas(rec.AmountOctas), rec.Currency, ref)
	rule, err := o.rules.EnsureWhitelistRule(ctx, ip, notes)
	if err != nil {
		o.release(ref, ip)
		o.metrics.GrantsTotal.WithLabelValues("rule_failed").Inc()
		o.logger.Warn("grant failed creating rule", "ip", ip, "ref", ref, "success", false, "error", err)
		return GrantOutcome{}, fmt.Errorf("Grant: %w", err)
	}

	now := o.clock.Now().UTC()
	expires := now.Add(o.duration)
	entry, err := o.grants.CreateGrant(ctx, types.AccessGrantEntry{
		IPAddress:     ip,
		Justification: fmt.Sprintf("Payment %s from %s", ref, rec.PayerAddress),
		CreatedAt:     now,
		ExpiresAt:     &expires,
	})
	if errors.Is(err, store.ErrActiveGrant) {
		// Someone else recorded a grant first; the rule is theirs.
		o.release(ref, ip)
		e, _, err := o.activeGrant(ctx, ip)
		if err != nil {
			o.logger.Warn("grant lost race, could not read winning entry", "ip", ip, "ref", ref, "error", err)
			e = types.AccessGrantEntry{IPAddress: ip}
		}
		return GrantOutcome{Entry: e, Rule: rule, AlreadyGranted: true}, nil
	}
	if err != nil {
		o.compensate(ip, rule)
		o.release(ref, ip)
		o.metrics.GrantsTotal.WithLabelValues("store_failed").Inc()
		o.logger.Error("grant failed recording entry", "ip", ip, "ref", ref, "success", false, "error", err)
		return GrantOutcome{}, fmt.Errorf("Grant: %w", err)
	}

	if err := o.scheduler.Schedule(ip, o.duration); err != nil {
		o.logger.Error("grant recorded but cleanup not scheduled", "ip", ip, "error", err)
	}

	o.metrics.GrantsTotal.WithLabelValues("granted").Inc()
	o.logger.Info("access granted", "ip", ip, "ref", ref, "success", true,
		"rule_id", rule.ID, "expires_at", expires)
	return GrantOutcome{Entry: entry, Rule: rule, Payment: rec}, nil
}

// resumable lets a verified payment whose earlier redemption failed before
// a grant was recorded be redeemed again. A payment that produced a grant
// stays claimed forever and is never resumable.
func (o *Orchestrator) resumable(ctx context.Context, ref, ip string, verifyErr error) (types.PaymentRecord, error) {
	owner, err := o.payments.RedeemedBy(ctx, ref)
	if err != nil || owner != "" {
		return types.PaymentRecord{}, verifyErr
	}
	rec, err := o.payments.GetPayment(ctx, ref)
	if err != nil {
		return types.PaymentRecord{}, verifyErr
	}
	o.logger.Info("resuming redemption of verified payment", "ip", ip, "ref", ref)
	return rec, nil
}

func (o *Orchestrator) release(ref, ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.payments.Release(ctx, ref, ip); err != nil {
		o.logger.Error("failed to release payment claim", "ip", ip, "ref", ref, "error", err)
	}
}

// compensate removes a rule whose grant could not be recorded, so no rule
// outlives its bookkeeping.
func (o *Orchestrator) compensate(ip string, rule types.AccessRule) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.rules.DeleteRule(ctx, rule.ID); err != nil {
		o.logger.Error("compensating rule delete failed", "ip", ip, "rule_id", rule.ID, "error", err)
		return
	}
	o.logger.Warn("rule removed after failed grant write", "ip", ip, "rule_id", rule.ID)
}

func (o *Orchestrator) activeGrant(ctx context.Context, ip string) (types.AccessGrantEntry, bool, error) {
	e, err := o.grants.GetGrant(ctx, ip)
	if errors.Is(err, store.ErrNotFound) {
		return types.AccessGrantEntry{}, false, nil
	}
	if err != nil {
		return types.AccessGrantEntry{}, false, fmt.Errorf("read grant: %w", err)
	}
	return e, e.Active(), nil
}

// SubmitProof queues a payment reference to be redeemed for the IP named by
// the next trigger.
func (o *Orchestrator) SubmitProof(ctx context.Context, ref string) error {
	ref, err := NormalizeReference(ref)
	if err != nil {
		return err
	}
	seen, err := o.payments.HasBeenProcessed(ctx, ref)
	if err != nil {
		return fmt.Errorf("SubmitProof: %w", err)
	}
	if seen {
		return ErrAlreadyProcessed
	}
	if err := o.proofs.Push(PendingProof{TransactionRef: ref, SubmittedAt: o.clock.Now().UTC()}); err != nil {
		return err
	}
	o.metrics.ProofsQueued.Set(float64(o.proofs.Len()))
	o.logger.Info("payment proof queued", "ref", ref, "queued", o.proofs.Len())
	return nil
}

// HandleTrigger is the trigger-monitor observer: an IP without a live grant
// redeems the oldest queued proof.
func (o *Orchestrator) HandleTrigger(ctx context.Context, ev types.TriggerEvent) error {
	ip, err := firewall.ParseIP(ev.IP)
	if err != nil {
		return err
	}
	if _, ok, err := o.activeGrant(ctx, ip); err != nil {
		return err
	} else if ok {
		o.logger.Debug("trigger for already whitelisted ip", "ip", ip, "event", ev.ID)
		return nil
	}

	proof, ok := o.proofs.Pop()
	o.metrics.ProofsQueued.Set(float64(o.proofs.Len()))
	if !ok {
		o.logger.Info("trigger without pending payment proof", "ip", ip, "event", ev.ID)
		return nil
	}

	out, err := o.Grant(ctx, proof.TransactionRef, ip)
	if err != nil {
		if (transient(err) || errors.Is(err, firewall.ErrServiceUnavailable)) && proof.Attempts+1 < MaxProofAttempts {
			proof.Attempts++
			o.proofs.PushFront(proof)
			o.metrics.ProofsQueued.Set(float64(o.proofs.Len()))
			o.logger.Warn("proof requeued after transient failure",
				"ip", ip, "ref", proof.TransactionRef, "attempts", proof.Attempts, "error", err)
		}
		return fmt.Errorf("HandleTrigger %s: %w", ev.ID, err)
	}
	if out.AlreadyGranted {
		o.proofs.PushFront(proof)
		o.metrics.ProofsQueued.Set(float64(o.proofs.Len()))
	}
	return nil
}

// Revoke ends a grant early.
func (o *Orchestrator) Revoke(ctx context.Context, ip string) (types.CleanupResult, error) {
	canon, err := firewall.ParseIP(ip)
	if err != nil {
		return types.CleanupResult{}, err
	}
	o.scheduler.Cancel(canon)
	res := o.scheduler.Execute(ctx, canon)
	o.logger.Audit("revoke", canon, map[string]any{"success": res.Success, "error": res.Error})
	return res, nil
}

// Restore re-arms cleanups for every grant left active by a previous run.
// Grants already past their expiry are cleaned up immediately.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	active, err := o.grants.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("Restore: %w", err)
	}

	n := 0
	for _, e := range active {
		due := e.PlannedExpiry(o.duration)
		if err := o.scheduler.ScheduleAt(e.IPAddress, due); err != nil {
			return n, fmt.Errorf("Restore %s: %w", e.IPAddress, err)
		}
		n++
	}
	if n > 0 {
		o.logger.Info("restored pending cleanups", "count", n)
	}
	return n, nil
}

func (o *Orchestrator) Status(ctx context.Context, ip string) (AccessStatus, error) {
	canon, err := firewall.ParseIP(ip)
	if err != nil {
		return AccessStatus{}, err
	}
	e, ok, err := o.activeGrant(ctx, canon)
	if err != nil {
		return AccessStatus{}, err
	}
	st := AccessStatus{IP: canon, Whitelisted: ok}
	if !ok {
		return st, nil
	}

	exp := e.PlannedExpiry(o.duration)
	if due, pending := o.scheduler.Due(canon); pending {
		exp = due
	}
	st.ExpiresAt = &exp
	if rem := exp.Sub(o.clock.Now()); rem > 0 {
		st.Remaining = rem
	}
	return st, nil
}
