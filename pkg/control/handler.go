package control

import (
	"context"

	"github.com/core-tools/hsu-scanmaster/pkg/logging"
	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reporting the scan
const ServiceName = "scanmaster.Scanner"

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, reporter *HealthReporter, logger logging.Logger) {
	healthpb.RegisterHealthServer(grpcServerRegistrar, reporter.server)
	logger.Debugf("Health service registered, service: %s", ServiceName)
}

// HealthReporter mirrors the supervisor status into the gRPC health service:
// a live scan (running, paused, hit detected) is SERVING, anything else NOT_SERVING
type HealthReporter struct {
	server *health.Server
	logger logging.Logger
}

func NewHealthReporter(logger logging.Logger) *HealthReporter {
	server := health.NewServer()
	server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{
		server: server,
		logger: logger,
	}
}

func ServingStatus(status supervisor.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch status {
	case supervisor.StatusRunning, supervisor.StatusPaused, supervisor.StatusHitDetected:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

func (r *HealthReporter) Observe(event supervisor.Event) {
	if event.Type != supervisor.EventStatusChanged {
		return
	}
	serving := ServingStatus(event.Status)
	r.server.SetServingStatus(ServiceName, serving)
	r.logger.Debugf("Health status updated, status: %s, serving: %s", event.Status, serving)
}

// Run observes events until the channel closes or ctx is done
func (r *HealthReporter) Run(ctx context.Context, events <-chan supervisor.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			r.Observe(event)
		}
	}
}

// Shutdown marks every service NOT_SERVING ahead of server stop
func (r *HealthReporter) Shutdown() {
	r.server.Shutdown()
}

func (r *HealthReporter) Server() *health.Server {
	return r.server
}
