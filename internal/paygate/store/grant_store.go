package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

// GrantStore persists AccessGrantEntry rows, one per IP.
type GrantStore interface {
	// GetGrant returns the entry for ip, or ErrNotFound.
	GetGrant(ctx context.Context, ip string) (types.AccessGrantEntry, error)

	// CreateGrant writes a fresh entry. A cleaned-up row for the same IP is
	// replaced; a live one yields ErrActiveGrant.
	CreateGrant(ctx context.Context, e types.AccessGrantEntry) (types.AccessGrantEntry, error)

	// MarkCleanedUp flags the entry as cleaned up at the given time and
	// appends types.ExpiredMarker to its justification. Repeating the call
	// on a cleaned-up entry only refreshes the timestamps.
	MarkCleanedUp(ctx context.Context, ip string, at time.Time) (types.AccessGrantEntry, error)

	// ListActive returns every entry not yet cleaned up, oldest first.
	ListActive(ctx context.Context) ([]types.AccessGrantEntry, error)

	// PruneCleanedOlderThan deletes cleaned-up entries last updated before
	// cutoff and returns how many were removed.
	PruneCleanedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
