package control

import (
	"context"

	"github.com/core-tools/hsu-scanmaster/pkg/domain"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	grpcClient := healthpb.NewHealthClient(grpcClientConnection)
	return &grpcClientGateway{
		grpcClient: grpcClient,
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return "", err
	}
	gw.logger.Debugf("Status client gateway done")
	return response.GetStatus().String(), nil
}
