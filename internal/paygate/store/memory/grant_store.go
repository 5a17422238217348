package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

type GrantStore struct {
	mu   sync.RWMutex
	data map[string]types.AccessGrantEntry
}

func NewGrantStore() *GrantStore {
	return &GrantStore{
		data: make(map[string]types.AccessGrantEntry),
	}
}

func (s *GrantStore) GetGrant(_ context.Context, ip string) (types.AccessGrantEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[ip]
	if !ok {
		return types.AccessGrantEntry{}, store.ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *GrantStore) CreateGrant(_ context.Context, e types.AccessGrantEntry) (types.AccessGrantEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.data[e.IPAddress]; ok && !cur.CleanedUp {
		return types.AccessGrantEntry{}, store.ErrActiveGrant
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.CreatedAt
	e.CleanedUp = false
	e = copyEntry(e)
	s.data[e.IPAddress] = e
	return copyEntry(e), nil
}

func (s *GrantStore) MarkCleanedUp(_ context.Context, ip string, at time.Time) (types.AccessGrantEntry, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[ip]
	if !ok {
		return types.AccessGrantEntry{}, store.ErrNotFound
	}
	e.Justification = store.MarkExpired(e.Justification)
	e.ExpiresAt = &at
	e.UpdatedAt = at
	e.CleanedUp = true
	s.data[ip] = e
	return copyEntry(e), nil
}

func (s *GrantStore) ListActive(_ context.Context) ([]types.AccessGrantEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.AccessGrantEntry
	for _, e := range s.data {
		if !e.CleanedUp {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *GrantStore) PruneCleanedOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for ip, e := range s.data {
		if e.CleanedUp && e.UpdatedAt.Before(cutoff) {
			delete(s.data, ip)
			n++
		}
	}
	return n, nil
}

// copyEntry detaches ExpiresAt so callers cannot mutate stored state.
func copyEntry(e types.AccessGrantEntry) types.AccessGrantEntry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}
