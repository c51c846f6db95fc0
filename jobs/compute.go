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

// ComputeEngine is the part of billing.Engine the job needs.
type ComputeEngine interface {
	ComputeCharges(ctx context.Context, id billing.BillingID, clearExisting bool) (*billing.RunResult, error)
}

// ComputeJob handles TaskBillingCompute.
type ComputeJob struct {
	Engine  ComputeEngine
	Logger  zerolog.Logger
	Metrics *jobmetrics.Metrics
}

func NewComputeJob(engine ComputeEngine, logger zerolog.Logger, metrics *jobmetrics.Metrics) *ComputeJob {
	return &ComputeJob{Engine: engine, Logger: logger, Metrics: metrics}
}

// Handle runs one billing computation. Configuration, arithmetic and
// lookup failures will fail the same way on every attempt, so they are
// wrapped with asynq.SkipRetry. Lock conflicts and store errors retry.
func (j *ComputeJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Engine == nil {
		return errors.New("billing compute: handler not configured")
	}
	var payload ComputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.BillingID == "" {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskBillingCompute)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	log := j.Logger.With().
		Str("job", TaskBillingCompute).
		Str("billing_id", payload.BillingID).
		Bool("clear_existing", payload.ClearExisting).
		Logger()

	res, err := j.Engine.ComputeCharges(ctx, billing.BillingID(payload.BillingID), payload.ClearExisting)
	if err != nil {
		if permanent(err) {
			log.Error().Err(err).Msg("billing run failed permanently")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Warn().Err(err).Msg("billing run failed, will retry")
		return err
	}

	log.Info().
		Str("generation_id", res.GenerationID).
		Str("status", string(res.Status)).
		Bool("reused", res.Reused).
		Int("charges", len(res.Charges)).
		Msg("billing run finished")
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, billing.ErrConfiguration) ||
		errors.Is(err, billing.ErrArithmetic) ||
		errors.Is(err, billing.ErrInvalidPeriod) ||
		billing.IsNotFound(err)
}
