package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/unmarklabs/unmark/internal/clock"
	"github.com/unmarklabs/unmark/internal/config"
	"github.com/unmarklabs/unmark/internal/job"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	"github.com/unmarklabs/unmark/internal/ledger"
	"github.com/unmarklabs/unmark/internal/logger"
	"github.com/unmarklabs/unmark/internal/quota"
	"github.com/unmarklabs/unmark/internal/workqueue"
	"github.com/unmarklabs/unmark/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// The dispatcher drains the work queue and delivers tasks to the worker
// pool's intake endpoint. It runs beside the API binary, which only
// produces.
func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(RegisterRedis),

		// Functional domains
		ledger.Module,
		quota.Module,
		workqueue.Module,
		job.Module,

		fx.Provide(NewConsumer),
		fx.Invoke(RunConsumer),
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func RegisterRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Unlike the API binary, the dispatcher is useless without its
			// queue, so an unreachable store blocks startup.
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}

func NewConsumer(queue *workqueue.RedisQueue, log *zap.Logger, jobSvc jobdomain.Service, cfg config.Config) *workqueue.Consumer {
	handler := workqueue.NewHTTPHandler(cfg.Queue.DispatchURL, nil)
	return workqueue.NewConsumer(queue, log, handler, jobSvc, cfg.Queue)
}

func RunConsumer(lc fx.Lifecycle, c *workqueue.Consumer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			log.Info("work queue dispatcher starting")
			go c.Run(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
