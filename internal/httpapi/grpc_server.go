package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"laurel.org/internal/obs"
)

// LedgerService is the service name reported by the gRPC health endpoint.
const LedgerService = "laurel.ledger.v1.Ledger"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer answers the standard gRPC health protocol from the same
// readiness probe as /readyz.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	return &GRPCServer{readiness: r, version: version}
}

// NewGRPC builds a grpc.Server with the health service registered and
// request logging installed.
func NewGRPC(r readinessChecker, version string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(unaryLogging))
	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, NewGRPCServer(r, version))
	return server
}

// Check reports SERVING when the readiness probe passes and NOT_SERVING
// otherwise. Unknown services are NotFound.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", LedgerService:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func unaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.LogRequest(map[string]any{
		"ts":          start.UTC().Format(time.RFC3339Nano),
		"level":       "info",
		"msg":         "grpc_complete",
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
	return resp, err
}
