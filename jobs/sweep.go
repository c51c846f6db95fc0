package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/warp/warehouse-billing/billing"
	"github.com/warp/warehouse-billing/internal/jobmetrics"
)

// SweepStore is what the sweep reads to find unbilled documents.
type SweepStore interface {
	ListBillings(ctx context.Context) ([]billing.PeriodicBilling, error)
	ListRuns(ctx context.Context, id billing.BillingID) ([]billing.Run, error)
}

// Enqueuer submits compute tasks. Implemented by Client.
type Enqueuer interface {
	EnqueueCompute(ctx context.Context, payload ComputePayload) (*asynq.TaskInfo, error)
}

// SweepJob handles TaskBillingSweep: every billing document without a
// committed run gets a compute task.
type SweepJob struct {
	Store    SweepStore
	Enqueuer Enqueuer
	Logger   zerolog.Logger
	Metrics  *jobmetrics.Metrics
}

func NewSweepJob(store SweepStore, enqueuer Enqueuer, logger zerolog.Logger, metrics *jobmetrics.Metrics) *SweepJob {
	return &SweepJob{Store: store, Enqueuer: enqueuer, Logger: logger, Metrics: metrics}
}

func (j *SweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil || j.Enqueuer == nil {
		return errors.New("billing sweep: handler not configured")
	}
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskBillingSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	log := j.Logger.With().Str("job", TaskBillingSweep).Logger()

	pending, err := j.Unbilled(ctx)
	if err != nil {
		return err
	}
	if payload.Limit > 0 && len(pending) > payload.Limit {
		pending = pending[:payload.Limit]
	}

	for _, id := range pending {
		if _, err := j.Enqueuer.EnqueueCompute(ctx, ComputePayload{BillingID: string(id), ClearExisting: true}); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}
	log.Info().Int("enqueued", len(pending)).Msg("billing sweep finished")
	return nil
}

// Unbilled lists documents whose latest run is missing or did not commit.
// A document whose latest run failed permanently under its current run key
// is left alone until it points at another contract or period, or an
// operator reruns it.
func (j *SweepJob) Unbilled(ctx context.Context) ([]billing.BillingID, error) {
	docs, err := j.Store.ListBillings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list billings: %w", err)
	}
	var out []billing.BillingID
	for _, d := range docs {
		runs, err := j.Store.ListRuns(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("list runs %s: %w", d.ID, err)
		}
		if len(runs) == 0 {
			out = append(out, d.ID)
			continue
		}
		latest := runs[0]
		switch {
		case latest.Status == billing.RunCommitted:
		case latest.Permanent && latest.Key == billing.RunKey(d):
			j.Logger.Debug().Str("billing", string(d.ID)).Str("error", latest.Error).Msg("skip permanently failed billing")
		default:
			out = append(out, d.ID)
		}
	}
	return out, nil
}
