package lookup

import (
	"go.uber.org/fx"
)

var Module = fx.Module("lookup.module",
	fx.Provide(
		NewResolver,
	),
)
