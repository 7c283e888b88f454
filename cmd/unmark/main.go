package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/unmarklabs/unmark/internal/clock"
	"github.com/unmarklabs/unmark/internal/config"
	"github.com/unmarklabs/unmark/internal/job"
	"github.com/unmarklabs/unmark/internal/ledger"
	"github.com/unmarklabs/unmark/internal/logger"
	"github.com/unmarklabs/unmark/internal/migration"
	"github.com/unmarklabs/unmark/internal/observability/metrics"
	"github.com/unmarklabs/unmark/internal/quota"
	"github.com/unmarklabs/unmark/internal/server"
	"github.com/unmarklabs/unmark/internal/sweeper"
	"github.com/unmarklabs/unmark/internal/workqueue"
	"github.com/unmarklabs/unmark/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		migration.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(RegisterRedis),

		// Functional domains
		ledger.Module,
		quota.Module,
		workqueue.Module,
		job.Module,
		sweeper.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func RegisterRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// Quota checks fall back to job rows and fail open, so a
				// missing counter store must not block startup.
				log.Warn("redis unreachable at startup", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}
