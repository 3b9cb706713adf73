package workflow

import (
	"go.uber.org/fx"
)

var Module = fx.Module("workflow.module",
	fx.Provide(
		NewRepository,
		NewEngine,
	),
)
