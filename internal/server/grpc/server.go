// Package grpc serves the standard gRPC health protocol. Orchestrators check
// the overall server and the OTP poller separately.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/otp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PollerService is the health service name the poller reports under.
const PollerService = "otpkeeper.poller"

// GRPCServer exposes grpc.health.v1.Health.
type GRPCServer struct {
	address string
	logger  logging.Logger
	health  *health.Server
}

// NewGRPCServer reports the poller NOT_SERVING until its first cycle.
func NewGRPCServer(address string, l logging.Logger) *GRPCServer {
	h := health.NewServer()
	h.SetServingStatus(PollerService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCServer{
		address: address,
		logger:  l.With("module", "grpc_server"),
		health:  h,
	}
}

// ReportPoller matches otp.Poller.OnCycle. A cycle that could not even list
// the accounts marks the poller NOT_SERVING until the next good cycle.
func (s *GRPCServer) ReportPoller(stats otp.CycleStats, err error) {
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(PollerService, status)
}

// Run serves until ctx is done, then stops gracefully.
func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(srv, s.health)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
