package service

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
)

// GrantPruner periodically deletes cleaned-up grant entries older than a
// configurable retention period. It runs as a background goroutine and
// is safe to stop via its context or the Stop method.
//
// A retention of 0 disables pruning entirely.
type GrantPruner struct {
	store     store.GrantStore
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	logger    *logging.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// PrunerConfig holds the parameters for NewGrantPruner.
type PrunerConfig struct {
	// RetentionDays is how many days of cleaned-up grants to keep.
	// 0 means keep everything (pruner will not start).
	RetentionDays int

	// IntervalHours is how often the pruner runs. Defaults to 6.
	IntervalHours int

	Clock clock.Clock
}

// NewGrantPruner creates a pruner but does not start it.
func NewGrantPruner(s store.GrantStore, cfg PrunerConfig, logger *logging.Logger) *GrantPruner {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &GrantPruner{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		clock:     cfg.Clock,
		logger:    logger.WithComponent("pruner"),
		done:      make(chan struct{}),
	}
}

// Start runs an immediate prune, then repeats on the configured interval
// until ctx is cancelled or Stop is called.
func (p *GrantPruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.Info("grant pruner disabled (retention=0)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)

	ticker := p.clock.NewTicker(p.interval)
	go p.loop(ctx, ticker)

	p.logger.Info("grant pruner started",
		"retention_days", int(p.retention.Hours()/24), "interval", p.interval)
}

// Stop signals the pruner to exit and waits for it to finish.
func (p *GrantPruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *GrantPruner) loop(ctx context.Context, ticker *clock.Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	// Clear any backlog left by a previous run.
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune performs one sweep and returns how many entries it deleted.
func (p *GrantPruner) Prune(ctx context.Context) int64 {
	cutoff := p.clock.Now().UTC().Add(-p.retention)
	deleted, err := p.store.PruneCleanedOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("grant prune failed", "error", err)
		return 0
	}
	if deleted > 0 {
		metrics.Get().GrantsPruned.Add(float64(deleted))
		p.logger.Info("grant prune complete",
			"deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
