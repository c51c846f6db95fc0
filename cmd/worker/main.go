// Command worker processes billing runs from the asynq queue and
// schedules the nightly sweep of unbilled documents.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/warp/warehouse-billing/internal/app"
	"github.com/warp/warehouse-billing/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := app.NewLogger(cfg)

	deps, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("init billing stack")
	}
	defer deps.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := jobs.NewClient(redisOpts)
	defer client.Close()

	computeJob := jobs.NewComputeJob(deps.Engine, logger, deps.Metrics)
	sweepJob := jobs.NewSweepJob(deps.Store, client, logger, deps.Metrics)

	sweepTask, err := jobs.NewSweepTask(jobs.SweepPayload{})
	if err != nil {
		logger.Fatal().Err(err).Msg("build sweep task")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingCompute, Handler: computeJob.Handle},
			{Type: jobs.TaskBillingSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init worker")
	}

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Str("sweep_cron", cfg.SweepCron).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker run")
		deps.Close()
		os.Exit(1)
	}
}
