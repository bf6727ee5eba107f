package earnings

import (
	"net/http"

	"treit-clickplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Summary(c *gin.Context) {
	period := Period(c.DefaultQuery("period", string(PeriodToday)))

	res, err := h.svc.Summary(c.Request.Context(), middleware.UserID(c), period)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) ClaimDaily(c *gin.Context) {
	bonus, leveledUp, err := h.svc.ClaimDaily(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"amount":     bonus.Amount,
		"streak":     bonus.Streak,
		"bonus_date": bonus.BonusDate,
		"leveled_up": leveledUp,
	})
}

var Module = fx.Module("earnings.module",
	fx.Provide(
		NewService,
		NewHandler,
	),
)

var Routes = fx.Module("earnings.routes",
	fx.Invoke(registerRoutes),
)

type routeParams struct {
	fx.In

	Engine   *gin.Engine
	Handler  *Handler
	Verifier middleware.Verifier
}

func registerRoutes(p routeParams) {
	g := p.Engine.Group("/api/v1", middleware.Auth(p.Verifier))
	g.GET("/earnings", p.Handler.Summary)
	g.POST("/bonus/daily", p.Handler.ClaimDaily)
}
