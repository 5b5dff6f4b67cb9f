package api

import (
	"context"
	"net"
	"strings"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/logging"
	"erpsync/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	healthMethodPrefix   = "/grpc.health.v1.Health/"
	requestIDMetadataKey = "x-request-id"
)

// AuthInterceptor applies the same API keys, permissions and per-key rate limits as
// HTTPAuth to gRPC calls.
type AuthInterceptor struct {
	cfg     config.APIConfig
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.authorize(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.authorize(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (a *AuthInterceptor) authorize(ctx context.Context, fullMethod string) error {
	if a.cfg.Auth.Enabled {
		if err := a.checkAuth(ctx, fullMethod); err != nil {
			return err
		}
	}
	if !a.limiter.allow(a.clientKey(ctx)) {
		return status.Error(codes.ResourceExhausted, errRateLimited.Error())
	}
	return nil
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, _ := metadata.FromIncomingContext(ctx)
	apiKey := first(md.Get(apiKeyHeader(a.cfg.Auth)))
	if apiKey == "" {
		return status.Error(codes.Unauthenticated, errMissingAPIKey.Error())
	}

	client, ok := lookupClient(a.cfg.Auth.APIKeys, apiKey)
	if !ok {
		return status.Error(codes.Unauthenticated, errInvalidAPIKey.Error())
	}

	if err := checkPermission(client, grpcPermission(fullMethod)); err != nil {
		return status.Error(codes.PermissionDenied, err.Error())
	}
	return nil
}

func grpcPermission(fullMethod string) string {
	if strings.HasPrefix(fullMethod, healthMethodPrefix) {
		return permReadSync
	}
	return ""
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(apiKeyHeader(a.cfg.Auth))); apiKey != "" {
		return apiKey
	}
	return peerHost(ctx)
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return clientKeyUnknown
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil || host == "" {
		return p.Addr.String()
	}
	return host
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	log := logging.Component(logger, "grpc")

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, log, info.FullMethod, requestID, start, err)
		return resp, err
	}
}

func LoggingStreamInterceptor(logger *zerolog.Logger) grpc.StreamServerInterceptor {
	log := logging.Component(logger, "grpc")

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		requestID := requestIDFromMetadata(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		err := handler(srv, ss)
		logCall(ss.Context(), log, info.FullMethod, requestID, start, err)
		return err
	}
}

func logCall(ctx context.Context, log *zerolog.Logger, method, requestID string, start time.Time, err error) {
	code := status.Code(err)
	metrics.IncGRPC(method, code.String())

	event := log.Info()
	if code != codes.OK {
		event = log.Warn()
	}
	event.
		Str("request_id", requestID).
		Str("method", method).
		Str("remote", peerHost(ctx)).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Msg("grpc request")
}

func requestIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if id := first(md.Get(requestIDMetadataKey)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
