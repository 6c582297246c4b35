package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-slot-reservation/internal/app"
	"github.com/hackgods/clinic-slot-reservation/internal/config"
	"github.com/hackgods/clinic-slot-reservation/internal/logging"
	"github.com/hackgods/clinic-slot-reservation/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.Setup(cfg.Env, cfg.LogLevel).With().Str("service", "hold-reaper").Logger()
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("hold-reaper failed")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.ReaperInterval).
		Dur("jitter", cfg.ReaperJitter).
		Int("batch_size", cfg.ReaperBatchSize).
		Bool("cancel_orphaned", cfg.ReaperCancelOrphaned).
		Msg("hold-reaper starting up")

	if cfg.StoreDriver == config.StoreMemory {
		return errors.New("hold-reaper needs a shared store, STORE_DRIVER=memory is only usable inside api-server")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(rootCtx, telemetry.TracingConfig{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "clinic-hold-reaper",
		ServiceVersion: cfg.Version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Reaper.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("hold-reaper stopped")
	return nil
}
