package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue billing tasks run on.
	QueueDefault = "default"

	// TaskBillingCompute runs ComputeCharges for one billing document.
	TaskBillingCompute = "billing:compute"

	// TaskBillingSweep enqueues compute tasks for documents that have no
	// committed run yet.
	TaskBillingSweep = "billing:sweep"
)

// ComputePayload is the body of a TaskBillingCompute task.
type ComputePayload struct {
	BillingID     string `json:"billing_id"`
	ClearExisting bool   `json:"clear_existing"`
}

// NewComputeTask constructs a compute task. A failed run is retried with
// asynq's backoff unless the handler marks it SkipRetry.
func NewComputeTask(payload ComputePayload) (*asynq.Task, error) {
	if payload.BillingID == "" {
		return nil, errors.New("jobs: compute task needs a billing id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingCompute, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Minute),
	), nil
}

// SweepPayload is the body of a TaskBillingSweep task.
type SweepPayload struct {
	// Limit caps how many documents one sweep enqueues. Zero means no cap.
	Limit int `json:"limit,omitempty"`
}

func NewSweepTask(payload SweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingSweep, body, asynq.Queue(QueueDefault)), nil
}
