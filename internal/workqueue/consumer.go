package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/unmarklabs/unmark/internal/config"
	"go.uber.org/zap"
)

// Handler delivers a task to the worker pool. Delivery is at-least-once,
// so handlers must tolerate duplicates.
type Handler func(ctx context.Context, task Task) error

// Failer synthesizes a failed terminal report once delivery attempts are
// exhausted, so a job never stays non-terminal with an outstanding
// reservation.
type Failer interface {
	ForceFail(ctx context.Context, jobID snowflake.ID, reason string) error
}

// Consumer drains the queue and dispatches tasks with bounded retries and
// exponential backoff.
type Consumer struct {
	queue       *RedisQueue
	log         *zap.Logger
	handler     Handler
	failer      Failer
	maxAttempts int
	baseBackoff time.Duration
}

func NewConsumer(queue *RedisQueue, log *zap.Logger, handler Handler, failer Failer, cfg config.QueueConfig) *Consumer {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 2 * time.Second
	}
	return &Consumer{
		queue:       queue,
		log:         log.Named("workqueue.consumer"),
		handler:     handler,
		failer:      failer,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := c.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}
		c.dispatch(ctx, *task)
	}
}

// dispatch retries the handler with the delay doubling per attempt. On
// exhaustion the job is force-failed, which releases its reservation.
func (c *Consumer) dispatch(ctx context.Context, task Task) {
	backoff := c.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.handler(ctx, task)
		if lastErr == nil {
			return
		}
		c.log.Warn("task delivery failed",
			zap.String("job_id", task.JobID.String()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	reason := fmt.Sprintf("delivery failed after %d attempts: %v", c.maxAttempts, lastErr)
	if err := c.failer.ForceFail(ctx, task.JobID, reason); err != nil {
		c.log.Error("force-fail after retry exhaustion failed",
			zap.String("job_id", task.JobID.String()),
			zap.Error(err),
		)
	}
}
