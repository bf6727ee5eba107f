package fraud

import (
	"net/http"

	"treit-clickplane/pkg/errutil"
	"treit-clickplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type checkRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	CampaignID string `json:"campaign_id"`
	CheckType  string `json:"check_type" binding:"required,oneof=single_click account_audit batch"`
	AutoAction bool   `json:"auto_action"`
}

type Handler struct {
	auditor *Auditor
}

func NewHandler(a *Auditor) *Handler {
	return &Handler{auditor: a}
}

// Check triggers a comprehensive audit. Admin and manual-review tooling
// call this; it is not on the click hot path.
func (h *Handler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	res, err := h.auditor.Audit(c.Request.Context(), AuditRequest{
		UserID:     req.UserID,
		CampaignID: req.CampaignID,
		CheckType:  req.CheckType,
		AutoAction: req.AutoAction,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

var Module = fx.Module("fraud.module",
	fx.Provide(
		DefaultPolicy,
		NewAuditor,
		NewHandler,
	),
)

var Routes = fx.Module("fraud.routes",
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
	g.POST("/fraud/check", p.Handler.Check)
}
