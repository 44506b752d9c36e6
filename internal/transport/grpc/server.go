package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/logger"
	"seriesview/internal/metrics"
	"seriesview/internal/registry"
)

const defaultRefreshInterval = 5 * time.Second

// SeriesService is the health service name reported for a series.
func SeriesService(id string) string {
	return "series/" + id
}

// Server exposes grpc.health.v1.Health. The overall status follows the
// registry; each registered series gets its own service entry.
type Server struct {
	registry   *registry.Registry[float64, float64]
	health     *health.Server
	grpcServer *grpc.Server
	interval   time.Duration

	mu    sync.Mutex
	known map[string]bool
}

// NewServer builds the gRPC server with keepalive settings from cfg.
func NewServer(ctx context.Context, reg *registry.Registry[float64, float64], cfg *config.Config) (*Server, error) {
	if reg == nil {
		return nil, errors.ErrInvalidConfiguration.WithDetails("registry is required")
	}

	ka := cfg.Server.Keepalive
	kaParams := keepalive.ServerParameters{
		Time:              ka.Time,
		Timeout:           ka.Timeout,
		MaxConnectionIdle: ka.MaxConnectionIdle,
	}
	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             ka.MinTime,
		PermitWithoutStream: true,
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(kaParams),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),
		grpc.ChainUnaryInterceptor(recoveryInterceptor(), loggingInterceptor()),
		grpc.ChainStreamInterceptor(streamLoggingInterceptor()),
	)

	s := &Server{
		registry:   reg,
		health:     health.NewServer(),
		grpcServer: grpcServer,
		interval:   defaultRefreshInterval,
		known:      make(map[string]bool),
	}
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.Refresh()

	logger.LogInfo(ctx, "gRPC health server initialized",
		zap.Duration("keepalive_time", ka.Time),
		zap.Duration("keepalive_timeout", ka.Timeout))
	return s, nil
}

// Refresh brings the health statuses in line with the registry.
func (s *Server) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.Closed() {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		for id := range s.known {
			s.health.SetServingStatus(SeriesService(id), healthpb.HealthCheckResponse_NOT_SERVING)
		}
		return
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	current := make(map[string]bool)
	for _, id := range s.registry.List() {
		current[id] = true
		s.health.SetServingStatus(SeriesService(id), healthpb.HealthCheckResponse_SERVING)
	}
	for id := range s.known {
		if !current[id] {
			s.health.SetServingStatus(SeriesService(id), healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
	s.known = current
}

// Serve refreshes statuses periodically and serves on lis until Stop.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	refreshCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()

	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("failed to serve gRPC server: %w", err)
	}
	return nil
}

// Start listens on addr and serves.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.LogInfo(ctx, "gRPC server starting", zap.String("addr", addr))
	return s.Serve(ctx, lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop(ctx context.Context) {
	logger.LogInfo(ctx, "stopping gRPC server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

func loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if appErr := errors.GetAppError(err); appErr != nil {
			err = appErr.ToGRPCError()
		}

		metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		logger.LogGRPCRequest(ctx, info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

func streamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		logger.LogGRPCRequest(ss.Context(), info.FullMethod, time.Since(start), err)
		return err
	}
}

func recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				metrics.IncPanicRecovered("grpc")
				logger.LogError(ctx, fmt.Errorf("panic: %v", r), "gRPC handler panicked", zap.String("method", info.FullMethod))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
