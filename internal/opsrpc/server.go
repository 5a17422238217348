// Package opsrpc exposes a gRPC health service so orchestrators and load
// balancers can probe the server and its background components.
package opsrpc

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
)

// Overall is the empty service name, which reports the whole server.
const Overall = ""

// Check reports whether one component is healthy.
type Check func() bool

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *logging.Logger

	mu     sync.Mutex
	checks map[string]Check
	cancel context.CancelFunc
	done   chan struct{}
}

func New(logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.WithComponent("opsrpc"),
		checks: make(map[string]Check),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Register adds a named component check. Its status is NOT_SERVING until
// the first evaluation.
func (s *Server) Register(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
	s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Evaluate runs every check once and publishes the results. The overall
// status is SERVING only if every component is.
func (s *Server) Evaluate() {
	s.mu.Lock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.Unlock()

	all := true
	for i, name := range names {
		status := healthpb.HealthCheckResponse_SERVING
		if !checks[i]() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			all = false
			s.logger.Warn("component unhealthy", "component", name)
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !all {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(Overall, overall)
}

// StartChecks evaluates now and then every interval until Stop.
func (s *Server) StartChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.Evaluate()
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Evaluate()
			}
		}
	}()
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("ops gRPC listening", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks everything NOT_SERVING, halts the check loop and drains
// in-flight RPCs.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
