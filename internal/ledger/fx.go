package ledger

import (
	"github.com/unmarklabs/unmark/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(service.NewService),
)
