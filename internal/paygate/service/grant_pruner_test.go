package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/service"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store/memory"
)

func seedCleaned(t *testing.T, s *memory.GrantStore, ip string, at time.Time) {
	t.Helper()
	seedGrant(s, ip, at.Add(-time.Minute), nil)
	_, err := s.MarkCleanedUp(context.Background(), ip, at)
	require.NoError(t, err)
}

func countActiveAndCleaned(s *memory.GrantStore, ips ...string) int {
	n := 0
	for _, ip := range ips {
		if _, err := s.GetGrant(context.Background(), ip); err == nil {
			n++
		}
	}
	return n
}

func TestPrune_RemovesOnlyOldCleanedGrants(t *testing.T) {
	fc := clock.Fake(epoch)
	s := memory.NewGrantStore()
	seedCleaned(t, s, "198.51.100.1", epoch.Add(-8*24*time.Hour))
	seedCleaned(t, s, "198.51.100.2", epoch.Add(-6*24*time.Hour))
	seedGrant(s, "198.51.100.3", epoch.Add(-30*24*time.Hour), nil)

	p := service.NewGrantPruner(s, service.PrunerConfig{RetentionDays: 7, Clock: fc}, nil)
	assert.EqualValues(t, 1, p.Prune(context.Background()))

	_, err := s.GetGrant(context.Background(), "198.51.100.1")
	assert.Error(t, err)
	assert.Equal(t, 2, countActiveAndCleaned(s, "198.51.100.2", "198.51.100.3"),
		"recent cleaned and active grants survive")
}

func TestPruner_RunsImmediatelyThenOnInterval(t *testing.T) {
	fc := clock.Fake(epoch)
	s := memory.NewGrantStore()
	seedCleaned(t, s, "198.51.100.1", epoch.Add(-2*24*time.Hour))

	p := service.NewGrantPruner(s, service.PrunerConfig{RetentionDays: 1, IntervalHours: 1, Clock: fc}, nil)
	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		return countActiveAndCleaned(s, "198.51.100.1") == 0
	}, 2*time.Second, 10*time.Millisecond, "startup sweep")

	// Cleaned now, so it ages past the retention a day later.
	seedCleaned(t, s, "198.51.100.2", epoch)
	fc.Advance(25 * time.Hour)

	assert.Eventually(t, func() bool {
		return countActiveAndCleaned(s, "198.51.100.2") == 0
	}, 2*time.Second, 10*time.Millisecond, "interval sweep")
}

func TestPruner_DisabledWithZeroRetention(t *testing.T) {
	s := memory.NewGrantStore()
	seedCleaned(t, s, "198.51.100.1", epoch.Add(-365*24*time.Hour))

	p := service.NewGrantPruner(s, service.PrunerConfig{Clock: clock.Fake(epoch)}, nil)
	p.Start(context.Background())
	p.Stop()

	assert.Equal(t, 1, countActiveAndCleaned(s, "198.51.100.1"))
}
