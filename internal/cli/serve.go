package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"erpsync/internal/api"
	"erpsync/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job runner, retry recovery and the operator APIs",
		Long: `Start the background runner that drains the job queue, the recovery loop
that re-enqueues due retries, the operator HTTP API, the gRPC health endpoint
and, when enabled, the Prometheus metrics endpoint. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	app, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config
	logger := app.Logger.With().Str("component", "serve").Logger()

	// The gRPC port is bound before the workers start.
	var grpcServer *api.GRPCServer
	if cfg.API.Enabled && cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.API, app.Dispatcher, app.Logger)
		if err != nil {
			return WrapExitError(ExitFailure, "create grpc server", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.Dispatcher.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		app.Machine.RunRecovery(ctx, cfg.Sync.RecoveryInterval)
	}()

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
		}()
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Services{
			DB:         app.DB,
			Dispatcher: app.Dispatcher,
			Machine:    app.Machine,
			Worker:     app.Worker,
			Bus:        app.Bus,
		}, app.Logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	if grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grpcServer.WatchHealth(ctx)
		}()
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	logger.Info().
		Bool("api", cfg.API.Enabled).
		Int("http_port", cfg.API.HTTP.Port).
		Bool("grpc", grpcServer != nil).
		Msg("erpsync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("erpsync stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
