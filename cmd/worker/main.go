package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"treit-clickplane/pkg/cache"
	"treit-clickplane/pkg/config"
	"treit-clickplane/pkg/db"
	"treit-clickplane/pkg/gen"
	"treit-clickplane/pkg/logger"
	"treit-clickplane/pkg/queue"
	"treit-clickplane/pkg/redis"
	"treit-clickplane/services/campaign"
	"treit-clickplane/services/fraud"
	"treit-clickplane/services/participant"
	"treit-clickplane/services/pipeline"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		cache.Module,
		queue.Module,

		campaign.Module,
		participant.Module,
		fx.Provide(fraud.DefaultPolicy),
		pipeline.Module,

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
