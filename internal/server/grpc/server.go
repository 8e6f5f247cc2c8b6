// Package grpcserver runs the optional gRPC listener that exposes the standard
// health service, driven by database reachability.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reported next to the overall status.
const Service = "lexsync.Sync"

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the grpc.Server and its health state.
type Server struct {
	GRPC   *grpc.Server
	health *health.Server
	db     Pinger
	every  time.Duration
	log    *zap.Logger
}

// New builds a server with recovery and logging interceptors and a registered
// health service. Status starts NOT_SERVING until the first successful ping.
func New(db Pinger, every time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if every <= 0 {
		every = 10 * time.Second
	}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	srv := &Server{GRPC: s, health: hs, db: db, every: every, log: log}
	srv.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return srv
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(Service, st)
}

// Check pings the database once and publishes the result.
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn("health: db ping", zap.Error(err))
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch re-checks health until ctx is done, then marks everything NOT_SERVING.
func (s *Server) Watch(ctx context.Context) {
	s.Check(ctx)
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Check(ctx)
		}
	}
}

// Stop drains in-flight RPCs, forcing close after grace.
func (s *Server) Stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GRPC.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.GRPC.Stop()
	}
}
