package participant

import (
	"treit-clickplane/pkg/middleware"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("participant.module",
	fx.Provide(
		NewService,
		func(db *gorm.DB) middleware.Verifier { return NewTokenVerifier(db) },
	),
)
