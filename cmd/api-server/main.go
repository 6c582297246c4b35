package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-slot-reservation/internal/api"
	"github.com/hackgods/clinic-slot-reservation/internal/app"
	"github.com/hackgods/clinic-slot-reservation/internal/auth"
	"github.com/hackgods/clinic-slot-reservation/internal/config"
	"github.com/hackgods/clinic-slot-reservation/internal/logging"
	"github.com/hackgods/clinic-slot-reservation/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.Setup(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("api-server failed")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("env", cfg.Env).
		Str("store", cfg.StoreDriver).
		Str("http_port", cfg.HTTPPort).
		Dur("hold_duration", cfg.HoldDuration).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(rootCtx, telemetry.TracingConfig{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "clinic-api",
		ServiceVersion: cfg.Version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	routerCfg := api.RouterConfig{
		Service:  a.Service,
		Reaper:   a.Reaper,
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Metrics:  telemetry.NewHTTPMetrics(a.Registry),
		Gatherer: a.Registry,
		Logger:   logger,
		Env:      cfg.Env,
		Version:  cfg.Version,
	}
	if a.Pool != nil {
		routerCfg.Postgres = a.Pool
	}
	if a.Redis != nil {
		rdb := a.Redis
		routerCfg.Redis = api.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}

	logger.Info().Msg("api-server stopped")
	return serveErr
}
