package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/logging"
	"erpsync/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// DispatcherHealthService is the health-check service name that tracks the job queue.
// The server-wide "" service reports the same status.
const DispatcherHealthService = "erpsync.Dispatcher"

// QueueHealthReporter is satisfied by the dispatcher.
type QueueHealthReporter interface {
	Health(ctx context.Context) (*models.QueueHealth, error)
}

// GRPCServer serves the standard gRPC health-checking protocol driven by queue health.
type GRPCServer struct {
	cfg      config.APIGRPCConfig
	queue    QueueHealthReporter
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *zerolog.Logger
}

func NewGRPCServer(cfg config.APIConfig, queue QueueHealthReporter, logger *zerolog.Logger) (*GRPCServer, error) {
	auth := NewAuthInterceptor(cfg)
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(LoggingUnaryInterceptor(logger), auth.Unary()),
		grpc.ChainStreamInterceptor(LoggingStreamInterceptor(logger), auth.Stream()),
	}
	if cfg.GRPC.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(cfg.GRPC.TLS)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(serverOpts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	// Not serving until the first queue health check.
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(DispatcherHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		cfg:      cfg.GRPC,
		queue:    queue,
		server:   grpcServer,
		health:   healthServer,
		listener: lis,
		logger:   logging.Component(logger, "grpc"),
	}, nil
}

func buildTLSConfig(cfg config.APITLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("grpc tls enabled but cert_file/key_file not set")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load grpc tls keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.RequireClientCert {
		if cfg.ClientCAFile == "" {
			return nil, fmt.Errorf("grpc tls require_client_cert=true but client_ca_file not set")
		}
		caPEM, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client_ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse client_ca_file PEM")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}

// RefreshHealth checks queue health and publishes the result: SERVING for healthy and
// warning, NOT_SERVING for critical or a failed check.
func (s *GRPCServer) RefreshHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	h, err := s.queue.Health(ctx)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Msg("queue health check failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	case h.Status == models.HealthCritical:
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(DispatcherHealthService, st)
	return st
}

// WatchHealth refreshes the health status every HealthInterval until ctx is done.
func (s *GRPCServer) WatchHealth(ctx context.Context) {
	interval := s.cfg.HealthInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	s.RefreshHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshHealth(ctx)
		}
	}
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.logger.Info().Str("addr", s.Addr()).Msg("gRPC health endpoint listening")
	return s.server.Serve(s.listener)
}

// Shutdown marks every service NOT_SERVING and stops gracefully, forcing the stop
// when ctx expires first. Open Watch streams keep a graceful stop waiting.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
	}
}
