package bootstrap

import (
	"context"

	"recordplane/services/lookup"
	"recordplane/services/record"
	"recordplane/services/workflow"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("bootstrap",
	fx.Provide(
		NewService,
		provideSnowflakeNode,
		func(r *lookup.Resolver) record.ReferenceResolver { return r },
		func(e *workflow.Engine) record.WorkflowTrigger { return e },
	),
	fx.Invoke(runBootstrap),
	fx.Invoke(bindRecords),
)

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// Run after DB initialized
func runBootstrap(lc fx.Lifecycle, b *Service) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return b.Migrate()
		},
	})
}

// The engine's record actions write back through the store; the binding can
// only happen once both sides exist.
func bindRecords(e *workflow.Engine, s *record.Service) {
	e.BindRecords(s)
}
