package opsrpc_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/BrandonDHaskell/Paygate/server/internal/opsrpc"
)

func dial(t *testing.T, s *opsrpc.Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthReflectsChecks(t *testing.T) {
	s := opsrpc.New(nil)
	var monitorUp atomic.Bool
	monitorUp.Store(true)
	s.Register("monitor", monitorUp.Load)
	s.Register("scheduler", func() bool { return true })
	t.Cleanup(s.Stop)

	c := dial(t, s)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, c, "monitor"), "unevaluated")

	s.Evaluate()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, c, opsrpc.Overall))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, c, "monitor"))

	monitorUp.Store(false)
	s.Evaluate()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, c, opsrpc.Overall))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, c, "monitor"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, c, "scheduler"))
}

func TestStartChecksEvaluatesImmediately(t *testing.T) {
	s := opsrpc.New(nil)
	s.Register("scheduler", func() bool { return true })
	s.StartChecks(context.Background(), time.Hour)
	t.Cleanup(s.Stop)

	c := dial(t, s)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, c, "scheduler"))
}
