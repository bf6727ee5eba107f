package httpapi

import (
	"net/http"

	"treit-clickplane/pkg/config"
	"treit-clickplane/pkg/health"
	"treit-clickplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewRouter,
		func(e *gin.Engine) http.Handler { return e },
	),
	fx.Invoke(registerOpsEndpoints),
)

func NewRouter(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	e.Use(gin.Recovery(), middleware.Error())
	return e
}

func registerOpsEndpoints(e *gin.Engine, h health.HealthService) {
	e.GET("/healthz", h.Liveness)
	e.GET("/readyz", h.Readiness)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
