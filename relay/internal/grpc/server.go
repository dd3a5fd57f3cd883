// Package grpc provides the gRPC health endpoint of the relay. The
// service status follows the broker session: SERVING while authenticated,
// NOT_SERVING otherwise.
package grpc

import (
	"context"
	"net"
	"strconv"

	"go_tradernet/relay/internal/fanout"
	"go_tradernet/relay/internal/metrics"
	"go_tradernet/relay/internal/ratelimit"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name reported for the relay.
const ServiceName = "tradernet.relay"

// Server is the gRPC API server.
type Server struct {
	server  *grpc.Server
	health  *health.Server
	fanout  *fanout.Hub
	handle  fanout.Handle
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	addr    string
}

// Config holds gRPC server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new gRPC server and starts tracking the connection
// state published on hub. limiter and m may be nil.
func NewServer(
	cfg *Config,
	hub *fanout.Hub,
	limiter *ratelimit.Limiter,
	metricsInst *metrics.Metrics,
	logger *zap.Logger,
) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		health:  health.NewServer(),
		fanout:  hub,
		limiter: limiter,
		metrics: metricsInst,
		logger:  logger.Named("grpc"),
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}

	// Create gRPC server with interceptors
	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryRateInterceptor),
		grpc.StreamInterceptor(s.streamRateInterceptor),
	)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	s.SetConnected(false)

	if hub != nil {
		handle, err := hub.OnConnection(s.SetConnected)
		if err != nil {
			return nil, errors.Wrap(err, "failed to observe connection state")
		}
		s.handle = handle
	}

	return s, nil
}

// SetConnected updates the reported serving status.
func (s *Server) SetConnected(connected bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.logger.Debug("Health status", zap.Stringer("status", st))
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.fanout != nil && s.handle != "" {
		s.fanout.Unregister(s.handle)
	}
	s.health.Shutdown()
	s.server.GracefulStop()
}

// allow applies the per-peer rate limit.
func (s *Server) allow(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	key := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		key = p.Addr.String()
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
	}
	if s.limiter.Allow(key) {
		return nil
	}
	if s.metrics != nil {
		s.metrics.RecordRateLimitHit()
	}
	return status.Error(codes.ResourceExhausted, "rate limit exceeded")
}

// unaryRateInterceptor is the unary rate limit interceptor.
func (s *Server) unaryRateInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	if err := s.allow(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// streamRateInterceptor is the stream rate limit interceptor.
func (s *Server) streamRateInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if err := s.allow(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}
