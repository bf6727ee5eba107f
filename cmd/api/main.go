package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"treit-clickplane/pkg/cache"
	"treit-clickplane/pkg/config"
	"treit-clickplane/pkg/db"
	"treit-clickplane/pkg/gen"
	"treit-clickplane/pkg/health"
	"treit-clickplane/pkg/httpapi"
	"treit-clickplane/pkg/logger"
	"treit-clickplane/pkg/queue"
	"treit-clickplane/pkg/redis"
	"treit-clickplane/pkg/server"
	"treit-clickplane/services/campaign"
	"treit-clickplane/services/click"
	"treit-clickplane/services/earnings"
	"treit-clickplane/services/fraud"
	"treit-clickplane/services/participant"
	"treit-clickplane/services/tracking"
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
		health.Module,
		httpapi.Module,

		campaign.Module,
		participant.Module,
		fraud.Module,
		earnings.Module,
		tracking.Module,

		fraud.Routes,
		earnings.Routes,
		tracking.Routes,

		fx.Invoke(migrate),
		server.ProvideHTTPServer,
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

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&campaign.Campaign{},
		&campaign.Enrollment{},
		&participant.Participant{},
		&participant.FraudLog{},
		&participant.Notification{},
		&participant.DailyBonus{},
		&click.ClickEvent{},
		&queue.Message{},
	)
}
