package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/unmarklabs/unmark/internal/config"
	"go.uber.org/zap"
)

const (
	keyQueuePending = "queue:%s:pending"
	keyQueuePayload = "queue:%s:payload"
	keyQueueDedupe  = "queue:%s:dedupe:%s"
)

// RedisQueue keeps pending job ids in a list and payloads in a hash, so a
// cancellation can remove a pending task by id alone.
type RedisQueue struct {
	client    *redis.Client
	log       *zap.Logger
	name      string
	dedupeTTL time.Duration
}

func NewRedisQueue(client *redis.Client, log *zap.Logger, cfg config.QueueConfig) *RedisQueue {
	if client == nil {
		return nil
	}
	return &RedisQueue{
		client:    client,
		log:       log.Named("workqueue"),
		name:      cfg.Name,
		dedupeTTL: cfg.DedupeTTL,
	}
}

func (q *RedisQueue) pendingKey() string { return fmt.Sprintf(keyQueuePending, q.name) }
func (q *RedisQueue) payloadKey() string { return fmt.Sprintf(keyQueuePayload, q.name) }
func (q *RedisQueue) dedupeKey(jobID snowflake.ID) string {
	return fmt.Sprintf(keyQueueDedupe, q.name, jobID.String())
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	ok, err := q.client.SetNX(ctx, q.dedupeKey(task.JobID), "1", q.dedupeTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		q.log.Info("duplicate enqueue dropped", zap.String("job_id", task.JobID.String()))
		return nil
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), task.JobID.String(), payload)
	pipe.LPush(ctx, q.pendingKey(), task.JobID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID snowflake.ID) (bool, error) {
	removed, err := q.client.LRem(ctx, q.pendingKey(), 0, jobID.String()).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.payloadKey(), jobID.String())
	pipe.Del(ctx, q.dedupeKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Dequeue blocks for up to timeout waiting for a pending task.
// A nil task with a nil error means the wait timed out.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	values, err := q.client.BRPop(ctx, timeout, q.pendingKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(values) < 2 {
		return nil, nil
	}
	jobID := values[1]

	payload, err := q.client.HGet(ctx, q.payloadKey(), jobID).Result()
	if err != nil {
		if err == redis.Nil {
			// Removed between pop and fetch; treat as cancelled.
			return nil, nil
		}
		return nil, err
	}

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.payloadKey(), jobID)
	pipe.Del(ctx, q.dedupeKey(task.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("dequeue cleanup failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return &task, nil
}
