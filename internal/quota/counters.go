package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/unmarklabs/unmark/internal/config"
)

const (
	keyUsageDaily      = "usage:daily:%s:%s"
	keyUsageMonthly    = "usage:monthly:%s:%s"
	keyUsageConcurrent = "usage:concurrent:%s"
)

// Usage is the per-user view the enforcer evaluates against plan limits.
type Usage struct {
	Daily      int
	Monthly    int
	Concurrent int
}

// CounterStore tracks admission counters. The store is best-effort and
// lossy; the ledger store remains authoritative for anything billable.
type CounterStore interface {
	Usage(ctx context.Context, userID snowflake.ID, now time.Time) (Usage, error)
	// IncrementUsage bumps daily, monthly and concurrent counters,
	// refreshing the TTL on the windowed keys.
	IncrementUsage(ctx context.Context, userID snowflake.ID, now time.Time) error
	// DecrementConcurrent must be called exactly once per admitted job,
	// whatever the terminal outcome.
	DecrementConcurrent(ctx context.Context, userID snowflake.ID) error
}

type RedisCounterStore struct {
	client     *redis.Client
	dailyTTL   time.Duration
	monthlyTTL time.Duration
}

func NewRedisCounterStore(client *redis.Client, cfg config.QuotaConfig) *RedisCounterStore {
	if client == nil {
		return nil
	}
	return &RedisCounterStore{
		client:     client,
		dailyTTL:   cfg.DailyTTL,
		monthlyTTL: cfg.MonthlyTTL,
	}
}

func dailyKey(userID snowflake.ID, now time.Time) string {
	return fmt.Sprintf(keyUsageDaily, userID.String(), now.Format("2006-01-02"))
}

func monthlyKey(userID snowflake.ID, now time.Time) string {
	return fmt.Sprintf(keyUsageMonthly, userID.String(), now.Format("2006-01"))
}

func concurrentKey(userID snowflake.ID) string {
	return fmt.Sprintf(keyUsageConcurrent, userID.String())
}

func (s *RedisCounterStore) Usage(ctx context.Context, userID snowflake.ID, now time.Time) (Usage, error) {
	pipe := s.client.Pipeline()
	daily := pipe.Get(ctx, dailyKey(userID, now))
	monthly := pipe.Get(ctx, monthlyKey(userID, now))
	concurrent := pipe.Get(ctx, concurrentKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Usage{}, err
	}

	return Usage{
		Daily:      intFromGet(daily),
		Monthly:    intFromGet(monthly),
		Concurrent: intFromGet(concurrent),
	}, nil
}

func intFromGet(cmd *redis.StringCmd) int {
	if cmd == nil || cmd.Err() != nil {
		return 0
	}
	value, err := cmd.Int()
	if err != nil {
		return 0
	}
	return value
}

func (s *RedisCounterStore) IncrementUsage(ctx context.Context, userID snowflake.ID, now time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, dailyKey(userID, now))
	pipe.Expire(ctx, dailyKey(userID, now), s.dailyTTL)
	pipe.Incr(ctx, monthlyKey(userID, now))
	pipe.Expire(ctx, monthlyKey(userID, now), s.monthlyTTL)
	pipe.Incr(ctx, concurrentKey(userID))
	_, err := pipe.Exec(ctx)
	return err
}

const decrementFloorScript = `
local v = redis.call("DECR", KEYS[1])
if v < 0 then
  redis.call("SET", KEYS[1], 0)
  return 0
end
return v
`

var decrementFloor = redis.NewScript(decrementFloorScript)

func (s *RedisCounterStore) DecrementConcurrent(ctx context.Context, userID snowflake.ID) error {
	// Floor at zero: after a counter store restart a decrement may arrive
	// for an increment the store never saw.
	return decrementFloor.Run(ctx, s.client, []string{concurrentKey(userID)}).Err()
}
