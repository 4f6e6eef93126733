package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"classroll/internal/app"
	"classroll/internal/config"
	"classroll/internal/logging"
)

// Worker runs the lifecycle job and delivers queued notifications into the inbox.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(cfg.Logging)
	log := logging.Component("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if a.SingleProcess() {
		log.Warn().Msg("memory store or queue configured; the api process already runs these services")
	}

	log.Info().
		Bool("lifecycle", cfg.Lifecycle.Enabled).
		Dur("tick_interval", cfg.Lifecycle.TickInterval).
		Msg("worker started")
	if err := a.Supervisor().Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("supervisor stopped")
	}
	log.Info().Msg("worker stopped")
}
