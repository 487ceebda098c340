package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-scanmaster/pkg/logging"
	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"
)

func check(t *testing.T, reporter *HealthReporter) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	response, err := reporter.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	return response.GetStatus()
}

func TestServingStatus(t *testing.T) {
	tests := []struct {
		status   supervisor.Status
		expected healthpb.HealthCheckResponse_ServingStatus
	}{
		{supervisor.StatusIdle, healthpb.HealthCheckResponse_NOT_SERVING},
		{supervisor.StatusRunning, healthpb.HealthCheckResponse_SERVING},
		{supervisor.StatusPaused, healthpb.HealthCheckResponse_SERVING},
		{supervisor.StatusHitDetected, healthpb.HealthCheckResponse_SERVING},
		{supervisor.StatusCompleted, healthpb.HealthCheckResponse_NOT_SERVING},
		{supervisor.StatusError, healthpb.HealthCheckResponse_NOT_SERVING},
		{supervisor.StatusStopped, healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, ServingStatus(tt.status))
		})
	}
}

func TestHealthReporter_FollowsStatusEvents(t *testing.T) {
	reporter := NewHealthReporter(logging.NewNopLogger())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, reporter))

	reporter.Observe(supervisor.Event{Type: supervisor.EventStatusChanged, Status: supervisor.StatusRunning})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, reporter))

	reporter.Observe(supervisor.Event{Type: supervisor.EventLogLine, Line: "ignored"})
	reporter.Observe(supervisor.Event{Type: supervisor.EventStatusChanged, Status: supervisor.StatusPaused})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, reporter))

	reporter.Observe(supervisor.Event{Type: supervisor.EventStatusChanged, Status: supervisor.StatusCompleted})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, reporter))
}

func TestHealthReporter_Run(t *testing.T) {
	reporter := NewHealthReporter(logging.NewNopLogger())

	events := make(chan supervisor.Event, 1)
	events <- supervisor.Event{Type: supervisor.EventStatusChanged, Status: supervisor.StatusRunning}
	close(events)

	require.NoError(t, reporter.Run(context.Background(), events))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, reporter))
}

func TestGateway_StatusOverGRPC(t *testing.T) {
	logger := logging.NewNopLogger()
	reporter := NewHealthReporter(logger)

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	RegisterGRPCServerHandler(server, reporter, logger)
	go server.Serve(listener)
	defer server.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	gateway := NewGRPCClientGateway(conn, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := gateway.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", status)

	reporter.Observe(supervisor.Event{Type: supervisor.EventStatusChanged, Status: supervisor.StatusHitDetected})
	status, err = gateway.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", status)

	reporter.Shutdown()
	status, err = gateway.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", status)
}
