package workqueue

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/unmarklabs/unmark/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("workqueue",
	fx.Provide(func(client *redis.Client, log *zap.Logger, cfg config.Config) *RedisQueue {
		return NewRedisQueue(client, log, cfg.Queue)
	}),
	fx.Provide(func(q *RedisQueue) Queue { return q }),
)
