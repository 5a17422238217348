package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/firewall"
	"github.com/BrandonDHaskell/Paygate/server/internal/ledger"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/service"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

const DefaultNetwork = "movement"

type Dependencies struct {
	Logger       *logging.Logger
	Addr         string
	Orchestrator *service.Orchestrator
	Verifier     *service.Verifier
	Scheduler    *service.CleanupScheduler

	// Network names the chain in payment-info responses.
	Network string

	// IntakePerMinute throttles payment submissions per client. Zero
	// disables throttling.
	IntakePerMinute int

	Clock clock.Clock
}

type Server struct {
	httpServer   *http.Server
	logger       *logging.Logger
	mux          *http.ServeMux
	orchestrator *service.Orchestrator
	verifier     *service.Verifier
	scheduler    *service.CleanupScheduler
	network      string
	clock        clock.Clock
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Network == "" {
		d.Network = DefaultNetwork
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:       d.Logger.WithComponent("http"),
		mux:          mux,
		orchestrator: d.Orchestrator,
		verifier:     d.Verifier,
		scheduler:    d.Scheduler,
		network:      d.Network,
		clock:        d.Clock,
	}

	intake := newThrottle(d.IntakePerMinute)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/payment-info", s.handlePaymentInfo)
	mux.HandleFunc("POST /v1/payments", intake.wrap(s.handlePayment))
	mux.HandleFunc("GET /v1/access/{ip}", s.handleAccessStatus)
	mux.HandleFunc("DELETE /v1/access/{ip}", s.handleRevoke)
	mux.HandleFunc("GET /v1/cleanups", s.handleListCleanups)
	mux.HandleFunc("POST /v1/cleanups/{ip}", s.handleRunCleanup)

	handler := loggingMiddleware(s.logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) serverTime() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, map[string]any{"ok": true, "server_time": s.serverTime()})
}

func (s *Server) handlePaymentInfo(w http.ResponseWriter, r *http.Request) {
	req := s.verifier.Requirements()
	resp := types.PaymentInfoResponse{
		Accepts: []types.PaymentOption{{
			Scheme:            "exact",
			Network:           s.network,
			PayTo:             req.PayTo,
			MaxAmountRequired: strconv.FormatUint(req.AmountOctas, 10),
			Asset:             ledger.NativeCoinType,
			Description:       "Temporary access for " + s.orchestrator.GrantDuration().String(),
		}},
		PriceDisplay:    types.FormatOctas(req.AmountOctas) + " " + req.Currency,
		DurationSeconds: int64(s.orchestrator.GrantDuration() / time.Second),
		ClientIP:        clientIP(r),
	}
	respond(w, r, http.StatusOK, resp)
}

// handlePayment redeems a payment. With an IP it grants immediately;
// without one the proof waits for the next trigger.
func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req types.PaymentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	if req.IP == "" {
		if err := s.orchestrator.SubmitProof(r.Context(), req.TransactionRef); err != nil {
			s.paymentError(w, r, req, err)
			return
		}
		respond(w, r, http.StatusAccepted, types.PaymentResponse{
			OK:         true,
			Queued:     true,
			ServerTime: s.serverTime(),
		})
		return
	}

	out, err := s.orchestrator.Grant(r.Context(), req.TransactionRef, req.IP)
	if err != nil {
		s.paymentError(w, r, req, err)
		return
	}

	resp := types.PaymentResponse{
		OK:             true,
		AlreadyGranted: out.AlreadyGranted,
		IP:             out.Entry.IPAddress,
		RuleID:         out.Rule.ID,
		ServerTime:     s.serverTime(),
	}
	if !out.AlreadyGranted {
		resp.Payment = service.PaymentResultFor(out.Payment, nil)
	}
	if out.Entry.ExpiresAt != nil {
		resp.ExpiresAt = out.Entry.ExpiresAt.UTC().Format(time.RFC3339)
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) paymentError(w http.ResponseWriter, r *http.Request, req types.PaymentRequest, err error) {
	switch {
	case errors.Is(err, firewall.ErrInvalidIP):
		respondError(w, r, http.StatusBadRequest, "invalid_ip", err.Error())
		return
	case errors.Is(err, service.ErrProofQueued):
		respondError(w, r, http.StatusConflict, "already_queued", err.Error())
		return
	case errors.Is(err, service.ErrQueueFull):
		respondError(w, r, http.StatusServiceUnavailable, "queue_full", err.Error())
		return
	case errors.Is(err, firewall.ErrServiceUnavailable):
		respondError(w, r, http.StatusServiceUnavailable, "firewall_unavailable", err.Error())
		return
	case errors.Is(err, firewall.ErrPermanent):
		s.logger.Error("firewall rejected grant", "ip", req.IP, "ref", req.TransactionRef, "error", err)
		respondError(w, r, http.StatusBadGateway, "firewall_rejected", err.Error())
		return
	}

	result := service.PaymentResultFor(types.PaymentRecord{}, err)
	status := http.StatusPaymentRequired
	switch result.Failure {
	case types.FailureMalformed:
		status = http.StatusBadRequest
	case types.FailureAlreadyProcessed:
		status = http.StatusConflict
	case types.FailureUnavailable:
		if !errors.Is(err, service.ErrLedgerUnavailable) {
			s.logger.Error("payment error", "ip", req.IP, "ref", req.TransactionRef, "error", err)
			respondError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		status = http.StatusServiceUnavailable
	}
	respond(w, r, status, types.PaymentResponse{
		OK:         false,
		IP:         req.IP,
		Payment:    result,
		ServerTime: s.serverTime(),
	})
}

func (s *Server) handleAccessStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orchestrator.Status(r.Context(), r.PathValue("ip"))
	if err != nil {
		s.ipError(w, r, err)
		return
	}
	resp := types.AccessStatusResponse{
		IP:          st.IP,
		Whitelisted: st.Whitelisted,
		ServerTime:  s.serverTime(),
	}
	if st.ExpiresAt != nil {
		resp.ExpiresAt = st.ExpiresAt.UTC().Format(time.RFC3339)
		resp.RemainingSeconds = int64(st.Remaining / time.Second)
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	res, err := s.orchestrator.Revoke(r.Context(), r.PathValue("ip"))
	if err != nil {
		s.ipError(w, r, err)
		return
	}
	respond(w, r, cleanupStatus(res), res)
}

func (s *Server) handleListCleanups(w http.ResponseWriter, r *http.Request) {
	ips := s.scheduler.ScheduledIPs()
	respond(w, r, http.StatusOK, types.ScheduledCleanupsResponse{Count: len(ips), IPs: ips})
}

// handleRunCleanup runs a cleanup now, e.g. after an exhausted one was
// fixed by hand.
func (s *Server) handleRunCleanup(w http.ResponseWriter, r *http.Request) {
	ip, err := firewall.ParseIP(r.PathValue("ip"))
	if err != nil {
		s.ipError(w, r, err)
		return
	}
	s.scheduler.Cancel(ip)
	res := s.scheduler.Execute(r.Context(), ip)
	s.logger.Audit("manual_cleanup", ip, map[string]any{"success": res.Success, "error": res.Error})
	respond(w, r, cleanupStatus(res), res)
}

func (s *Server) ipError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, firewall.ErrInvalidIP) {
		respondError(w, r, http.StatusBadRequest, "invalid_ip", err.Error())
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	respondError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
}

func cleanupStatus(res types.CleanupResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Error == service.NoEntryMessage:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// clientIP is the caller's address as seen by this server.
func clientIP(r *http.Request) string {
	ip, err := firewall.ParseIP(remoteHost(r))
	if err != nil {
		return ""
	}
	return ip
}
