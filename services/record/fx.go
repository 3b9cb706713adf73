package record

import (
	"go.uber.org/fx"
)

var Module = fx.Module("record.module",
	fx.Provide(
		NewService,
	),
)
