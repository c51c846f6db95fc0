package jobs

import (
	"context"

	"github.com/hibiken/asynq"
)

// Client submits billing tasks to the queue.
type Client struct {
	client *asynq.Client
}

var _ Enqueuer = (*Client)(nil)

func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueCompute enqueues a compute task for one billing document.
func (c *Client) EnqueueCompute(ctx context.Context, payload ComputePayload) (*asynq.TaskInfo, error) {
	task, err := NewComputeTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
