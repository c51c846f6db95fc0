/*
main.go - HTTP server entry point

PURPOSE:
  Initializes and starts the warehouse billing API server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Open the store and lock backend (internal/app.Build)
  3. Create API handler, optionally with the task queue client
  4. Start the in-process sweep when no queue is configured
  5. Start server with graceful shutdown

ENVIRONMENT:
  APP_ADDR          Listen address (default :8080)
  STORE_DRIVER      sqlite | postgres
  SQLITE_PATH       SQLite file, ":memory:" for throwaway runs
  PG_DSN            PostgreSQL connection string
  LOCK_DRIVER       local | redis | postgres
  QUEUE_ENABLED     true to enqueue runs on the asynq worker
  BILLING_SETTINGS  Engine settings JSON, re-read on every run
  See internal/app/config.go for the rest.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep, close queue client and store
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - cmd/worker/main.go: Queue worker
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/warp/warehouse-billing/api"
	"github.com/warp/warehouse-billing/internal/app"
	"github.com/warp/warehouse-billing/jobs"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("init billing stack")
	}
	defer deps.Close()

	handler := api.NewHandler(deps.Store, deps.Engine, deps.Settings, logger)

	var sweep *api.SweepScheduler
	if cfg.QueueEnabled {
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer client.Close()
		handler.Enqueuer = client
	} else {
		sweep = api.NewSweepScheduler(deps.Store, deps.Engine, logger)
		sweep.CheckInterval = cfg.SweepInterval
		sweep.Start()
	}

	server := &http.Server{
		Addr: cfg.AppAddr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			CORSOrigins:      cfg.CORSOrigins,
			ComputeRateLimit: cfg.ComputeRateLimit,
			RequestTimeout:   cfg.AppRequestTimeout,
			Production:       cfg.IsProduction(),
		}),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.AppAddr).Bool("queue", cfg.QueueEnabled).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	failed := false
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		failed = true
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	if sweep != nil {
		sweep.Stop()
	}
	logger.Info().Msg("server stopped")
	if failed {
		deps.Close()
		os.Exit(1)
	}
}
