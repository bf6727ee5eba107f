package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"treit-clickplane/pkg/cache"
	"treit-clickplane/pkg/cachekey"
	"treit-clickplane/pkg/config"
	"treit-clickplane/pkg/errutil"
	"treit-clickplane/pkg/middleware"
	"treit-clickplane/pkg/queue"
	"treit-clickplane/services/campaign"
	"treit-clickplane/services/click"
	"treit-clickplane/services/earnings"
	"treit-clickplane/services/fraud"
	"treit-clickplane/services/participant"
	"treit-clickplane/services/pipeline"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	cache        cache.Cache
	q            *queue.Queue
	campaigns    *campaign.Service
	participants *participant.Service

	rateLimitWindow time.Duration
	batchMaxSize    int

	now func() time.Time
}

type ServiceParams struct {
	fx.In

	DB           *gorm.DB
	Node         *snowflake.Node
	Cache        cache.Cache
	Queue        *queue.Queue
	Campaigns    *campaign.Service
	Participants *participant.Service
	Config       *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:              p.DB,
		node:            p.Node,
		cache:           p.Cache,
		q:               p.Queue,
		campaigns:       p.Campaigns,
		participants:    p.Participants,
		rateLimitWindow: p.Config.Tracking.RateLimitWindow,
		batchMaxSize:    p.Config.Tracking.BatchMaxSize,
		now:             time.Now,
	}
}

type trackRequest struct {
	TrackingCode string `json:"tracking_code" binding:"required"`
	Referrer     string `json:"referrer"`
	SessionID    string `json:"session_id"`
}

type trackResponse struct {
	ClickID           string `json:"click_id"`
	Status            string `json:"status"`
	EstimatedEarnings int64  `json:"estimated_earnings"`
}

// Track is the synchronous ingestion entry point. It answers as soon as the
// provisional click row is durable and the fan-out is enqueued; fraud and
// earnings settle asynchronously.
func (s *Service) Track(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	userAgent := c.Request.UserAgent()
	ip := c.ClientIP()

	if fraud.DetectBot(userAgent) {
		s.logBotRejection(ctx, userID, ip, userAgent)
		c.Error(errutil.Forbidden("automated traffic rejected"))
		return
	}

	e, err := s.campaigns.ResolveTrackingCode(ctx, req.TrackingCode)
	if err != nil {
		c.Error(err)
		return
	}
	if e.Status != campaign.EnrollmentStatusActive {
		c.Error(errutil.Forbidden("enrollment is not active"))
		return
	}

	camp, err := s.campaigns.Get(ctx, e.CampaignID)
	if err != nil {
		c.Error(err)
		return
	}
	if !camp.IsActive(s.now().UTC()) {
		c.Error(errutil.Forbidden("campaign is not active"))
		return
	}

	// Fixed-window duplicate guard. A cache outage reads as a miss, so an
	// outage admits duplicates instead of blocking clicks.
	rlKey := cachekey.RecentClick(e.UserID, e.CampaignID)
	var seen bool
	if s.cache.Get(ctx, rlKey, &seen) {
		c.Error(errutil.TooManyRequest("duplicate click"))
		return
	}
	s.cache.Set(ctx, rlKey, true, s.rateLimitWindow)

	actor, err := s.participants.Get(ctx, e.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	ev, err := s.persistClick(ctx, e, clickInput{
		IPAddress: ip,
		UserAgent: userAgent,
		Referrer:  req.Referrer,
		SessionID: req.SessionID,
		ClickedAt: s.now().UTC(),
		Source:    "realtime",
	})
	if err != nil {
		c.Error(err)
		return
	}

	s.fanOut(ctx, ev)

	c.JSON(http.StatusOK, trackResponse{
		ClickID:           ev.ClickID,
		Status:            "processing",
		EstimatedEarnings: earnings.TotalCommission(camp.CPCRate, actor.Level),
	})
}

type clickInput struct {
	IPAddress string
	UserAgent string
	Referrer  string
	SessionID string
	ClickedAt time.Time
	Source    string
}

func (s *Service) persistClick(ctx context.Context, e *campaign.Enrollment, in clickInput) (*click.ClickEvent, error) {
	meta, _ := json.Marshal(map[string]any{"source": in.Source})
	ev := click.ClickEvent{
		ClickID:      s.node.Generate().String(),
		EnrollmentID: e.EnrollmentID,
		UserID:       e.UserID,
		CampaignID:   e.CampaignID,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		Referrer:     in.Referrer,
		SessionID:    in.SessionID,
		Metadata:     meta,
		ClickedAt:    in.ClickedAt,
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// fanOut enqueues the downstream stages. Best-effort: a lost message means
// the click stays unscored until manual triage, which the error-handling
// design accepts over failing the user request.
func (s *Service) fanOut(ctx context.Context, ev *click.ClickEvent) {
	s.q.EnqueueBestEffort(ctx, pipeline.ChannelFraud, pipeline.KindFraudCheck, pipeline.FraudCheckPayload{
		ClickID:    ev.ClickID,
		UserID:     ev.UserID,
		CampaignID: ev.CampaignID,
		IPAddress:  ev.IPAddress,
		UserAgent:  ev.UserAgent,
		Referrer:   ev.Referrer,
		SessionID:  ev.SessionID,
	})
	s.q.EnqueueBestEffort(ctx, pipeline.ChannelEarnings, pipeline.KindCalculateEarnings, pipeline.CalculateEarningsPayload{
		ClickID:    ev.ClickID,
		UserID:     ev.UserID,
		CampaignID: ev.CampaignID,
	})
	s.q.EnqueueBestEffort(ctx, pipeline.ChannelAnalytics, pipeline.KindAnalyticsRefresh, pipeline.AnalyticsRefreshPayload{
		UserID:     ev.UserID,
		CampaignID: ev.CampaignID,
	})
}

func (s *Service) logBotRejection(ctx context.Context, userID, ip, userAgent string) {
	reasons, _ := json.Marshal(map[string]string{"user_agent": userAgent, "ip": ip})
	if err := s.participants.RecordFraudLog(ctx, &participant.FraudLog{
		UserID:       userID,
		CheckType:    "bot_rejection",
		FraudScore:   1,
		IsSuspicious: true,
		Reasons:      reasons,
	}); err != nil {
		zap.L().Error("failed to record bot rejection", zap.String("user_id", userID), zap.Error(err))
	}
}

var Module = fx.Module("tracking.module",
	fx.Provide(NewService),
)

var Routes = fx.Module("tracking.routes",
	fx.Invoke(registerRoutes),
)

type routeParams struct {
	fx.In

	Engine   *gin.Engine
	Service  *Service
	Verifier middleware.Verifier
}

func registerRoutes(p routeParams) {
	g := p.Engine.Group("/api/v1", middleware.Auth(p.Verifier))
	g.POST("/track", p.Service.Track)
	g.POST("/track/batch", p.Service.TrackBatch)
}
