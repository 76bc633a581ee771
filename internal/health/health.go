// Package health exposes the gRPC health service of the dispatcher and worker
// processes.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"distributed-distort/internal/domain"

	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName returns the health service name that tracks workers of type wt.
func ServiceName(wt domain.WorkerType) string { return "distort." + string(wt) }

// Service is a gRPC server carrying only the standard health service.
type Service struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewService creates the service. The overall status ("") starts SERVING.
func NewService(logger *slog.Logger) *Service {
	s := &Service{
		grpc:   grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health: health.NewServer(),
		logger: logger.With("component", "health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetServing sets the status of service.
func (s *Service) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Serve runs the gRPC server on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
	defer stop()

	s.logger.Info("gRPC health server listening", "addr", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
