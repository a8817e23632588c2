// Package server exposes the standard gRPC health service for the engine.
// The service reports NOT_SERVING while credential sync is degraded.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/EternisAI/silo-warden/internal/credsync"
	grpctls "github.com/EternisAI/silo-warden/internal/grpc/tls"
	"github.com/EternisAI/silo-warden/internal/scheduler"
)

// ServiceName is the health service name probes may query in addition to
// the overall "" service.
const ServiceName = "silo.warden.Engine"

type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

type SyncHealth interface {
	Health() credsync.Health
}

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	port       int
	tlsConfig  *TLSConfig

	mu      sync.Mutex
	serving bool
}

func NewServer(port int, tlsConfig *TLSConfig) *Server {
	s := &Server{
		health:    health.NewServer(),
		port:      port,
		tlsConfig: tlsConfig,
	}
	s.SetServing(true)
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve runs the server on an existing listener until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	var opts []grpc.ServerOption
	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
		if err != nil {
			return err
		}
		creds, err := grpctls.LoadServerCredentials(s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.CAFile, clientAuth)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
		slog.Info("gRPC TLS enabled", "client_auth", clientAuth != tls.NoClientCert)
	}

	s.mu.Lock()
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	srv := s.grpcServer
	s.mu.Unlock()

	slog.Info("Starting gRPC server", "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

// SetServing flips both the overall and the named service status.
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	changed := s.serving != serving
	s.serving = serving
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	if changed {
		slog.Info("gRPC health status changed", "status", status.String())
	}
}

func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// HealthTask mirrors the credential sync state into the health service.
func (s *Server) HealthTask(src SyncHealth, interval time.Duration) scheduler.Task {
	return scheduler.Task{
		Name:      "grpc-health",
		Interval:  interval,
		Immediate: true,
		Run: func(context.Context) error {
			s.SetServing(!src.Health().Degraded)
			return nil
		},
	}
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")
	s.health.Shutdown()

	s.mu.Lock()
	srv := s.grpcServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		srv.Stop()
	}
	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
