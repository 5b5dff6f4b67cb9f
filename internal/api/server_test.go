package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/dispatcher"
	"erpsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeQueue struct {
	mu     sync.Mutex
	health *models.QueueHealth
	err    error
}

func (q *fakeQueue) set(st models.HealthStatus, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.health = &models.QueueHealth{Status: st}
	q.err = err
}

func (q *fakeQueue) Health(context.Context) (*models.QueueHealth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	return q.health, nil
}

func startGRPC(t *testing.T, cfg config.APIConfig, queue QueueHealthReporter) (*GRPCServer, healthpb.HealthClient) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	cfg.GRPC.Port = 0

	srv, err := NewGRPCServer(cfg, queue, &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	port := srv.listener.Addr().(*net.TCPAddr).Port
	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, ctx context.Context, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestGRPCHealth_FollowsQueueHealth(t *testing.T) {
	queue := &fakeQueue{}
	srv, client := startGRPC(t, config.APIConfig{}, queue)
	ctx := context.Background()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, ctx, client, ""))

	tests := []struct {
		name   string
		status models.HealthStatus
		err    error
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{"healthy", models.HealthHealthy, nil, healthpb.HealthCheckResponse_SERVING},
		{"warning", models.HealthWarning, nil, healthpb.HealthCheckResponse_SERVING},
		{"critical", models.HealthCritical, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"health check error", "", errors.New("database is locked"), healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue.set(tt.status, tt.err)
			assert.Equal(t, tt.want, srv.RefreshHealth(ctx))
			assert.Equal(t, tt.want, check(t, ctx, client, ""))
			assert.Equal(t, tt.want, check(t, ctx, client, DispatcherHealthService))
		})
	}

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "erpsync.Unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPCHealth_WithDispatcher(t *testing.T) {
	db := newTestDB(t)
	logger := zerolog.New(io.Discard)
	disp := dispatcher.New(db, nil, config.DispatcherConfig{}, &logger)

	srv, client := startGRPC(t, config.APIConfig{GRPC: config.APIGRPCConfig{HealthInterval: time.Hour}}, disp)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.WatchHealth(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: DispatcherHealthService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGRPCAuth(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "reader", Name: "dashboard", Permissions: []string{permReadSync}},
				{Key: "storefront", Name: "shop", Permissions: []string{permWriteOrders}},
				{Key: "admin", Name: "ops"},
			},
		},
	}
	queue := &fakeQueue{}
	queue.set(models.HealthHealthy, nil)
	srv, client := startGRPC(t, cfg, queue)
	srv.RefreshHealth(context.Background())

	withKey := func(key string) context.Context {
		return metadata.AppendToOutgoingContext(context.Background(), "x-api-key", key)
	}
	code := func(ctx context.Context) codes.Code {
		_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return status.Code(err)
	}

	assert.Equal(t, codes.Unauthenticated, code(context.Background()))
	assert.Equal(t, codes.Unauthenticated, code(withKey("nope")))
	assert.Equal(t, codes.PermissionDenied, code(withKey("storefront")))
	assert.Equal(t, codes.OK, code(withKey("reader")))
	assert.Equal(t, codes.OK, code(withKey("admin")))

	// Watch is a stream and goes through the same checks.
	stream, err := client.Watch(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	watchCtx, cancel := context.WithCancel(withKey("reader"))
	defer cancel()
	stream, err = client.Watch(watchCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestGRPCRateLimit(t *testing.T) {
	cfg := config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 1}}
	queue := &fakeQueue{}
	queue.set(models.HealthHealthy, nil)
	_, client := startGRPC(t, cfg, queue)

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "anyone")
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	other := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "someone-else")
	_, err = client.Check(other, &healthpb.HealthCheckRequest{})
	assert.NoError(t, err)
}

func TestGRPCPermission(t *testing.T) {
	assert.Equal(t, permReadSync, grpcPermission("/grpc.health.v1.Health/Check"))
	assert.Equal(t, permReadSync, grpcPermission("/grpc.health.v1.Health/Watch"))
	assert.Equal(t, "", grpcPermission("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"))
}

func TestBuildTLSConfig(t *testing.T) {
	_, err := buildTLSConfig(config.APITLSConfig{Enabled: true})
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = buildTLSConfig(config.APITLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(dir, "missing.crt"),
		KeyFile:  filepath.Join(dir, "missing.key"),
	})
	assert.Error(t, err)
}

func TestNewGRPCServer_TLSErrorDoesNotListen(t *testing.T) {
	logger := zerolog.New(io.Discard)
	cfg := config.APIConfig{GRPC: config.APIGRPCConfig{TLS: config.APITLSConfig{Enabled: true}}}
	srv, err := NewGRPCServer(cfg, &fakeQueue{}, &logger)
	assert.Error(t, err)
	assert.Nil(t, srv)
}
