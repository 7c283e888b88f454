package quota

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/unmarklabs/unmark/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("quota",
	fx.Provide(func(client *redis.Client, cfg config.Config) CounterStore {
		return NewRedisCounterStore(client, cfg.Quota)
	}),
	fx.Provide(NewEnforcer),
)
