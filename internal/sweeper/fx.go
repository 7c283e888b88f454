package sweeper

import (
	"context"

	"github.com/unmarklabs/unmark/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("sweeper",
	fx.Provide(New),
	fx.Invoke(RunSweeper),
)

func RunSweeper(lc fx.Lifecycle, cfg config.Config, s *Sweeper) {
	if !cfg.Sweeper.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go s.RunForever(ctx)

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
