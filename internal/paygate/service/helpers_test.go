package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/BrandonDHaskell/Paygate/server/internal/alert"
	"github.com/BrandonDHaskell/Paygate/server/internal/ledger"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store/memory"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	payTo    = "0x00c0ffee"
	refA     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	refB     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	clientIP = "203.0.113.7"
)

// ── Ledger ───────────────────────────────────────────────────────────────────

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) LookupTransfer(ctx context.Context, ref string) (ledger.Transfer, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(ledger.Transfer), args.Error(1)
}

// goodTransfer is a payment of exactly the default price.
func goodTransfer(ref string) ledger.Transfer {
	return ledger.Transfer{
		Hash:      ref,
		Success:   true,
		Sender:    "0xpayer",
		Recipient: "0xc0ffee",
		Amount:    1_000_000,
		CoinType:  ledger.NativeCoinType,
		Currency:  "MOVE",
		Timestamp: epoch.Add(-time.Minute),
	}
}

// ── Remote firewall ──────────────────────────────────────────────────────────

// fakeRules is an in-memory RuleClient. Queued errors are returned, in
// order, by the next calls to the matching method.
type fakeRules struct {
	mu     sync.Mutex
	rules  map[string]types.AccessRule
	nextID int

	listErrs   []error
	deleteErrs []error
	ensureErrs []error

	lists, deletes, ensures int
}

func newFakeRules() *fakeRules {
	return &fakeRules{rules: make(map[string]types.AccessRule)}
}

func (f *fakeRules) add(mode types.RuleMode, ip string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("rule-%d", f.nextID)
	f.rules[id] = types.AccessRule{ID: id, Mode: mode, Target: "ip", Value: ip}
	return id
}

func (f *fakeRules) count(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rules {
		if r.Value == ip {
			n++
		}
	}
	return n
}

func (f *fakeRules) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists + f.deletes + f.ensures
}

func popErr(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (f *fakeRules) EnsureWhitelistRule(_ context.Context, ip, notes string) (types.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if err := popErr(&f.ensureErrs); err != nil {
		return types.AccessRule{}, err
	}
	for _, r := range f.rules {
		if r.Value == ip && r.Mode == types.ModeWhitelist {
			return r, nil
		}
	}
	f.nextID++
	r := types.AccessRule{ID: fmt.Sprintf("rule-%d", f.nextID), Mode: types.ModeWhitelist, Target: "ip", Value: ip, Notes: notes}
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakeRules) ListRules(_ context.Context, ip string) ([]types.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if err := popErr(&f.listErrs); err != nil {
		return nil, err
	}
	var out []types.AccessRule
	for _, r := range f.rules {
		if ip == "" || r.Value == ip {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRules) DeleteRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if err := popErr(&f.deleteErrs); err != nil {
		return err
	}
	delete(f.rules, id)
	return nil
}

// mockRules is a strict RuleClient: any unexpected call fails the test.
type mockRules struct {
	mock.Mock
}

func (m *mockRules) EnsureWhitelistRule(ctx context.Context, ip, notes string) (types.AccessRule, error) {
	args := m.Called(ctx, ip, notes)
	return args.Get(0).(types.AccessRule), args.Error(1)
}

func (m *mockRules) ListRules(ctx context.Context, ip string) ([]types.AccessRule, error) {
	args := m.Called(ctx, ip)
	rules, _ := args.Get(0).([]types.AccessRule)
	return rules, args.Error(1)
}

func (m *mockRules) DeleteRule(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// ── Stores ───────────────────────────────────────────────────────────────────

// flakyGrants wraps the memory store and fails chosen calls.
type flakyGrants struct {
	*memory.GrantStore

	mu         sync.Mutex
	markErrs   []error
	createErrs []error
	getErrs    []error // nil entries pass through
	marks      int
}

func newFlakyGrants() *flakyGrants {
	return &flakyGrants{GrantStore: memory.NewGrantStore()}
}

func (f *flakyGrants) MarkCleanedUp(ctx context.Context, ip string, at time.Time) (types.AccessGrantEntry, error) {
	f.mu.Lock()
	f.marks++
	err := popErr(&f.markErrs)
	f.mu.Unlock()
	if err != nil {
		return types.AccessGrantEntry{}, err
	}
	return f.GrantStore.MarkCleanedUp(ctx, ip, at)
}

func (f *flakyGrants) CreateGrant(ctx context.Context, e types.AccessGrantEntry) (types.AccessGrantEntry, error) {
	f.mu.Lock()
	err := popErr(&f.createErrs)
	f.mu.Unlock()
	if err != nil {
		return types.AccessGrantEntry{}, err
	}
	return f.GrantStore.CreateGrant(ctx, e)
}

func (f *flakyGrants) GetGrant(ctx context.Context, ip string) (types.AccessGrantEntry, error) {
	f.mu.Lock()
	err := popErr(&f.getErrs)
	f.mu.Unlock()
	if err != nil {
		return types.AccessGrantEntry{}, err
	}
	return f.GrantStore.GetGrant(ctx, ip)
}

var _ store.GrantStore = (*flakyGrants)(nil)

func seedGrant(s store.GrantStore, ip string, created time.Time, expires *time.Time) types.AccessGrantEntry {
	e, err := s.CreateGrant(context.Background(), types.AccessGrantEntry{
		IPAddress:     ip,
		Justification: "paid",
		CreatedAt:     created,
		ExpiresAt:     expires,
	})
	if err != nil {
		panic(err)
	}
	return e
}

// ── Alerts ───────────────────────────────────────────────────────────────────

type recordingAlerter struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (r *recordingAlerter) Send(_ context.Context, n alert.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingAlerter) all() []alert.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Notification(nil), r.sent...)
}

var errDB = errors.New("database is locked")
