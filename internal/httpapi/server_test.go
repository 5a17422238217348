package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Paygate/server/internal/backoff"
	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/httpapi"
	"github.com/BrandonDHaskell/Paygate/server/internal/ledger"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/service"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store/memory"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	refA     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	refB     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	refC     = "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	clientIP = "203.0.113.7"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

// fakeLedger answers from a fixed table; unknown refs are not found.
type fakeLedger struct {
	mu        sync.Mutex
	transfers map[string]ledger.Transfer
	err       error
}

func (l *fakeLedger) LookupTransfer(_ context.Context, ref string) (ledger.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return ledger.Transfer{}, l.err
	}
	tr, ok := l.transfers[ref]
	if !ok {
		return ledger.Transfer{}, ledger.ErrTransactionNotFound
	}
	return tr, nil
}

func payment(ref string, amount uint64) ledger.Transfer {
	return ledger.Transfer{
		Hash: ref, Success: true, Sender: "0xpayer", Recipient: "0xc0ffee",
		Amount: amount, CoinType: ledger.NativeCoinType, Currency: "MOVE", Timestamp: epoch,
	}
}

type fakeRules struct {
	mu    sync.Mutex
	rules map[string]types.AccessRule
	next  int
}

func (f *fakeRules) EnsureWhitelistRule(_ context.Context, ip, notes string) (types.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.Value == ip {
			return r, nil
		}
	}
	f.next++
	r := types.AccessRule{ID: fmt.Sprintf("rule-%d", f.next), Mode: types.ModeWhitelist, Target: "ip", Value: ip, Notes: notes}
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakeRules) ListRules(_ context.Context, ip string) ([]types.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.AccessRule
	for _, r := range f.rules {
		if r.Value == ip {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRules) DeleteRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, id)
	return nil
}

// newTestServer wires up the full dependency graph using in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, l *fakeLedger, perMinute int) *httptest.Server {
	t.Helper()

	fc := clock.Fake(epoch)
	grants := memory.NewGrantStore()
	payments := memory.NewPaymentStore()
	rules := &fakeRules{rules: make(map[string]types.AccessRule)}

	verifier := service.NewVerifier(service.PaymentRequirements{
		AmountOctas: 1_000_000, Currency: "MOVE", PayTo: "0xc0ffee",
	}, l, payments, fc, nil)
	scheduler := service.NewCleanupScheduler(grants, rules, nil, service.SchedulerConfig{
		Backoff: backoff.Policy{Base: 0, Ceiling: 3},
		Clock:   fc,
	}, nil)
	orch := service.NewOrchestrator(verifier, rules, grants, payments, scheduler, nil,
		service.OrchestratorConfig{GrantDuration: time.Minute, Clock: fc}, nil)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Addr:            ":0",
		Orchestrator:    orch,
		Verifier:        verifier,
		Scheduler:       scheduler,
		IntakePerMinute: perMinute,
		Clock:           fc,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func defaultLedger() *fakeLedger {
	return &fakeLedger{transfers: map[string]ledger.Transfer{
		refA: payment(refA, 1_000_000),
		refB: payment(refB, 2_000_000),
		refC: payment(refC, 1_000_000),
	}}
}

func postPayment(t *testing.T, ts *httptest.Server, body string) (*http.Response, types.PaymentResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/payments", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var pr types.PaymentResponse
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &pr)
	return resp, pr
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

// ── Payment info ─────────────────────────────────────────────────────────────

func TestPaymentInfo(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	resp := do(t, http.MethodGet, ts.URL+"/v1/payment-info")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var info types.PaymentInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(info.Accepts) != 1 {
		t.Fatalf("expected one payment option, got %d", len(info.Accepts))
	}
	opt := info.Accepts[0]
	if opt.MaxAmountRequired != "1000000" {
		t.Errorf("expected amount in octas, got %q", opt.MaxAmountRequired)
	}
	if opt.PayTo != "0xc0ffee" || opt.Asset != ledger.NativeCoinType {
		t.Errorf("unexpected option %+v", opt)
	}
	if info.PriceDisplay != "0.01 MOVE" {
		t.Errorf("expected price 0.01 MOVE, got %q", info.PriceDisplay)
	}
	if info.DurationSeconds != 60 {
		t.Errorf("expected 60s, got %d", info.DurationSeconds)
	}
	if info.ClientIP != "127.0.0.1" {
		t.Errorf("expected client ip 127.0.0.1, got %q", info.ClientIP)
	}
}

// ── Payments ─────────────────────────────────────────────────────────────────

func TestPayment_GrantsAccess(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	resp, pr := postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, refA, clientIP))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !pr.OK || pr.AlreadyGranted {
		t.Fatalf("unexpected response %+v", pr)
	}
	if pr.RuleID == "" {
		t.Error("expected rule_id")
	}
	if pr.ExpiresAt != epoch.Add(time.Minute).Format(time.RFC3339) {
		t.Errorf("unexpected expires_at %q", pr.ExpiresAt)
	}
	if !pr.Payment.Success || pr.Payment.Record == nil || pr.Payment.Record.TransactionRef != refA {
		t.Errorf("expected payment record for %s, got %+v", refA, pr.Payment)
	}

	status := do(t, http.MethodGet, ts.URL+"/v1/access/"+clientIP)
	defer status.Body.Close()
	var st types.AccessStatusResponse
	if err := json.NewDecoder(status.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Whitelisted || st.RemainingSeconds != 60 {
		t.Errorf("expected whitelisted with 60s left, got %+v", st)
	}

	cl := do(t, http.MethodGet, ts.URL+"/v1/cleanups")
	defer cl.Body.Close()
	var sc types.ScheduledCleanupsResponse
	if err := json.NewDecoder(cl.Body).Decode(&sc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sc.Count != 1 || sc.IPs[0] != clientIP {
		t.Errorf("expected one cleanup for %s, got %+v", clientIP, sc)
	}
}

func TestPayment_SecondPaymentSameIP_AlreadyGranted(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, refA, clientIP))
	resp, pr := postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, refC, clientIP))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !pr.AlreadyGranted {
		t.Error("expected already_granted=true")
	}
}

func TestPayment_Replay_409(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, refA, clientIP))
	resp, pr := postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":"198.51.100.4"}`, refA))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if pr.Payment.Failure != types.FailureAlreadyProcessed {
		t.Errorf("expected already_processed, got %q", pr.Payment.Failure)
	}
}

func TestPayment_WrongAmount_402(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	resp, pr := postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, refB, clientIP))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if pr.Payment.Failure != types.FailureAmountTooHigh {
		t.Errorf("expected amount_too_high, got %q", pr.Payment.Failure)
	}
}

func TestPayment_UnknownTransaction_402(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	ref := "0x" + fmt.Sprintf("%064d", 7)
	resp, pr := postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, ref, clientIP))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if pr.Payment.Failure != types.FailureNotFound {
		t.Errorf("expected transaction_not_found, got %q", pr.Payment.Failure)
	}
}

func TestPayment_LedgerDown_503(t *testing.T) {
	l := defaultLedger()
	l.err = fmt.Errorf("%w: status 502", ledger.ErrUnavailable)
	ts := newTestServer(t, l, 0)

	resp, _ := postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, refA, clientIP))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestPayment_BadInput_400(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `not json at all`},
		{"unknown field", fmt.Sprintf(`{"transaction_ref":%q,"amount":1}`, refA)},
		{"malformed ref", fmt.Sprintf(`{"transaction_ref":"0x12","ip":%q}`, clientIP)},
		{"invalid ip", fmt.Sprintf(`{"transaction_ref":%q,"ip":"300.1.1.1"}`, refA)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := postPayment(t, ts, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestPayment_WithoutIP_Queued(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	resp, pr := postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q}`, refA))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if !pr.Queued {
		t.Error("expected queued=true")
	}

	resp, _ = postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q}`, refA))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a queued ref, got %d", resp.StatusCode)
	}
}

func TestPayment_Throttled_429(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 2)

	for i := 0; i < 2; i++ {
		resp, _ := postPayment(t, ts, `{}`)
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("request %d throttled too early", i)
		}
	}
	resp, _ := postPayment(t, ts, `{}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

// ── Protobuf ─────────────────────────────────────────────────────────────────

func TestPayment_Protobuf(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	msg, err := structpb.NewStruct(map[string]any{"transaction_ref": refA, "ip": clientIP})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	body, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(ts.URL+"/v1/payments", "application/x-protobuf", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("expected protobuf response, got %q", ct)
	}

	raw, _ := io.ReadAll(resp.Body)
	var out structpb.Struct
	if err := proto.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.GetFields()["ok"].GetBoolValue() {
		t.Error("expected ok=true")
	}
	if out.GetFields()["ip"].GetStringValue() != clientIP {
		t.Errorf("expected ip %s, got %v", clientIP, out.GetFields()["ip"])
	}
}

// ── Access and cleanups ──────────────────────────────────────────────────────

func TestRevoke(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)
	postPayment(t, ts, fmt.Sprintf(`{"transaction_ref":%q,"ip":%q}`, refA, clientIP))

	resp := do(t, http.MethodDelete, ts.URL+"/v1/access/"+clientIP)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res types.CleanupResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.RuleID == "" {
		t.Errorf("expected successful cleanup with rule id, got %+v", res)
	}

	status := do(t, http.MethodGet, ts.URL+"/v1/access/"+clientIP)
	defer status.Body.Close()
	var st types.AccessStatusResponse
	if err := json.NewDecoder(status.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Whitelisted {
		t.Error("expected whitelisted=false after revoke")
	}
}

func TestAccess_InvalidIP_400(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp := do(t, method, ts.URL+"/v1/access/not-an-ip")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", method, resp.StatusCode)
		}
	}
}

func TestRunCleanup_NoEntry_404(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	resp := do(t, http.MethodPost, ts.URL+"/v1/cleanups/198.51.100.9")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var res types.CleanupResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Error != service.NoEntryMessage {
		t.Errorf("expected %q, got %q", service.NoEntryMessage, res.Error)
	}
}

// ── Ops ──────────────────────────────────────────────────────────────────────

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, defaultLedger(), 0)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp := do(t, http.MethodGet, ts.URL+path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
