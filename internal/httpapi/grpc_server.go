package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth exposes store readiness through the standard grpc.health.v1 service,
// both for the whole server ("") and under serviceName.
type GRPCHealth struct {
	server *health.Server
	ready  ReadyProbe
	logger *slog.Logger
}

// NewGRPCHealth creates the health service. A nil readiness check always reports SERVING.
func NewGRPCHealth(ready ReadyProbe, logger *slog.Logger) *GRPCHealth {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCHealth{server: health.NewServer(), ready: ready, logger: logger}
}

// Register installs the health service on s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh checks readiness once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.ready != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.ready.Ping(pingCtx)
		cancel()
		if err != nil {
			h.logger.WarnContext(ctx, "grpc health: not ready", slog.Any("error", err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(serviceName, status)
	return status
}

// Run refreshes the status every interval until ctx ends, then marks every
// service NOT_SERVING so clients drain before the listener closes.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
