package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"recordplane/pkg/config"
	"recordplane/pkg/db"
	"recordplane/pkg/logger"
	"recordplane/pkg/redis"
	"recordplane/pkg/scheduler"
	"recordplane/pkg/sequence"
	"recordplane/services/bootstrap"
	"recordplane/services/lookup"
	"recordplane/services/record"
	"recordplane/services/schema"
	"recordplane/services/workflow"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		schema.Module,
		workflow.Module,
		record.Module,
		lookup.Module,
		bootstrap.Module,
		scheduler.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
