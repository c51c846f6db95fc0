/*
scheduler.go - In-process billing sweep

PURPOSE:
  Periodically finds billing documents without a committed run and
  computes them. This is the single-binary alternative to the asynq
  billing:sweep cron task; cmd/server starts it only when no task queue
  is configured.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Uses jobs.SweepJob.Unbilled to pick documents, so both paths agree
    on what "unbilled" means
  - Runs documents one after another; the engine's run lock still
    protects against a concurrent compute from the API
  - A failed document is logged and retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(store, engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - jobs/sweep.go: Queue-backed sweep
  - handlers.go: ComputeCharges endpoint (manual run)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/warehouse-billing/billing"
	"github.com/warp/warehouse-billing/jobs"
)

// SweepScheduler computes unbilled documents on a timer.
type SweepScheduler struct {
	Engine        jobs.ComputeEngine
	Logger        zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool

	sweep  *jobs.SweepJob
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(store jobs.SweepStore, engine jobs.ComputeEngine, logger zerolog.Logger) *SweepScheduler {
	return &SweepScheduler{
		Engine:        engine,
		Logger:        logger.With().Str("component", "sweep").Logger(),
		CheckInterval: time.Hour,
		Enabled:       true,
		sweep:         &jobs.SweepJob{Store: store},
	}
}

// Start begins the scheduler. The first sweep runs immediately.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("sweep scheduler disabled")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Logger.Info().Dur("interval", s.CheckInterval).Msg("sweep scheduler started")
}

// Stop cancels an in-flight sweep and waits for the loop to exit.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.Logger.Info().Msg("sweep scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow sweeps once and returns how many documents were committed.
func (s *SweepScheduler) RunNow(ctx context.Context) int {
	pending, err := s.sweep.Unbilled(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("list unbilled documents")
		return 0
	}

	committed := 0
	for _, id := range pending {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Engine.ComputeCharges(ctx, id, true)
		if err != nil {
			s.Logger.Error().Err(err).Str("billing", string(id)).Msg("sweep run failed")
			continue
		}
		if res.Status == billing.RunCommitted {
			committed++
		}
	}

	if len(pending) > 0 {
		s.Logger.Info().Int("pending", len(pending)).Int("committed", committed).Msg("sweep finished")
	}
	return committed
}
