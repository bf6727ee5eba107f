package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"treit-clickplane/pkg/cache"
	"treit-clickplane/pkg/cachekey"
	"treit-clickplane/pkg/queue"
	"treit-clickplane/services/campaign"
	"treit-clickplane/services/click"
	"treit-clickplane/services/earnings"
	"treit-clickplane/services/fraud"
	"treit-clickplane/services/participant"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Worker consumes the four pipeline channels. Delivery is at-least-once, so
// every handler re-checks the ClickEvent's current state before mutating;
// re-processing a completed message must be a no-op.
type Worker struct {
	db           *gorm.DB
	q            *queue.Queue
	cache        cache.Cache
	node         *snowflake.Node
	policy       fraud.Policy
	campaigns    *campaign.Service
	participants *participant.Service

	now func() time.Time
}

type WorkerParams struct {
	fx.In

	DB           *gorm.DB
	Queue        *queue.Queue
	Cache        cache.Cache
	Node         *snowflake.Node
	Policy       fraud.Policy
	Campaigns    *campaign.Service
	Participants *participant.Service
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		db:           p.DB,
		q:            p.Queue,
		cache:        p.Cache,
		node:         p.Node,
		policy:       p.Policy,
		campaigns:    p.Campaigns,
		participants: p.Participants,
		now:          time.Now,
	}
}

var Module = fx.Module("pipeline.module",
	fx.Provide(NewWorker),
	fx.Invoke(Register),
)

func Register(lc fx.Lifecycle, w *Worker) {
	var unsubs []func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			unsubs = append(unsubs,
				w.q.Subscribe(ChannelFraud, w.HandleFraud),
				w.q.Subscribe(ChannelEarnings, w.HandleEarnings),
				w.q.Subscribe(ChannelAnalytics, w.HandleAnalytics),
				w.q.Subscribe(ChannelNotification, w.HandleNotification),
			)
			zap.L().Info("pipeline worker subscribed",
				zap.Strings("channels", []string{ChannelFraud, ChannelEarnings, ChannelAnalytics, ChannelNotification}),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			for _, u := range unsubs {
				u()
			}
			return nil
		},
	})
}

// HandleFraud scores the click and records the verdict. The IS NULL guard
// on the update makes concurrent deliveries converge on one verdict.
func (w *Worker) HandleFraud(ctx context.Context, msg *queue.Message) error {
	if msg.Type != KindFraudCheck {
		return fmt.Errorf("unexpected message type %q on %s", msg.Type, ChannelFraud)
	}
	var p FraudCheckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	ev, err := w.loadClick(ctx, p.ClickID)
	if err != nil {
		return err
	}
	if ev.IsValid != nil {
		return nil
	}

	sameIP, err := click.CountSameIP(ctx, w.db, ev.IPAddress, w.now().UTC().Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("count same-ip clicks: %w", err)
	}
	recent, err := click.RecentTimestamps(ctx, w.db, ev.UserID, ev.CampaignID, w.policy.RegularitySampleSize)
	if err != nil {
		return fmt.Errorf("load recent timestamps: %w", err)
	}

	cctx := fraud.ClickContext{
		IPAddress:  ev.IPAddress,
		UserAgent:  ev.UserAgent,
		Referrer:   ev.Referrer,
		SameIPHour: sameIP,
		Recent:     recent,
	}
	validationScore := fraud.ValidationScore(w.policy, cctx)
	fraudScore := fraud.FraudScore(w.policy, fraud.ComputeFactors(w.policy, cctx))
	valid := fraud.Accept(w.policy, validationScore, fraudScore)

	if err := ev.MergeMetadata(map[string]any{
		"validation_score": validationScore,
		"fraud_score":      fraudScore,
		"policy_version":   w.policy.Version,
	}); err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}

	res := w.db.WithContext(ctx).
		Model(&click.ClickEvent{}).
		Where("click_id = ? AND is_valid IS NULL", ev.ClickID).
		Updates(map[string]any{"is_valid": valid, "metadata": ev.Metadata})
	if res.Error != nil {
		return fmt.Errorf("record verdict: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	if !valid {
		reasons, _ := json.Marshal(map[string]any{
			"validation_score": validationScore,
			"fraud_score":      fraudScore,
		})
		if err := w.participants.RecordFraudLog(ctx, &participant.FraudLog{
			UserID:       ev.UserID,
			CampaignID:   ev.CampaignID,
			ClickID:      ev.ClickID,
			CheckType:    "single_click",
			FraudScore:   fraudScore,
			IsSuspicious: true,
			Reasons:      reasons,
		}); err != nil {
			zap.L().Error("failed to record fraud log", zap.String("click_id", ev.ClickID), zap.Error(err))
		}
		zap.L().Info("click rejected by fraud scoring",
			zap.String("click_id", ev.ClickID),
			zap.Float64("validation_score", validationScore),
			zap.Float64("fraud_score", fraudScore),
		)
		return nil
	}

	// Ingestion already fanned out an earnings message; this one only
	// shortens the pending window for clicks whose verdict arrived late.
	w.q.EnqueueBestEffort(ctx, ChannelEarnings, KindCalculateEarnings, CalculateEarningsPayload{
		ClickID:    ev.ClickID,
		UserID:     ev.UserID,
		CampaignID: ev.CampaignID,
	})
	return nil
}

// HandleEarnings credits a valid click. The commission_amount = 0 guard is
// what keeps re-delivery from double-crediting.
func (w *Worker) HandleEarnings(ctx context.Context, msg *queue.Message) error {
	if msg.Type != KindCalculateEarnings {
		return fmt.Errorf("unexpected message type %q on %s", msg.Type, ChannelEarnings)
	}
	var p CalculateEarningsPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	ev, err := w.loadClick(ctx, p.ClickID)
	if err != nil {
		return err
	}
	if ev.IsValid == nil {
		// Verdict not in yet; the retry backoff gives the fraud stage time.
		return fmt.Errorf("fraud verdict pending for click %s", ev.ClickID)
	}
	if !*ev.IsValid {
		return nil
	}
	if ev.CommissionAmount > 0 {
		return nil
	}

	c, err := w.campaigns.Get(ctx, ev.CampaignID)
	if err != nil {
		return err
	}
	actor, err := w.participants.Get(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if actor.Status == participant.StatusSuspended {
		zap.L().Warn("skipping earnings for suspended participant",
			zap.String("user_id", ev.UserID),
			zap.String("click_id", ev.ClickID),
		)
		return nil
	}

	base := c.CPCRate
	total := earnings.TotalCommission(base, actor.Level)
	xp := earnings.XPGain(base)

	if err := w.campaigns.AddSpend(ctx, c.CampaignID, total); err != nil {
		if errors.Is(err, campaign.ErrBudgetExhausted) {
			_ = ev.MergeMetadata(map[string]any{"budget_exhausted": true})
			w.db.WithContext(ctx).
				Model(&click.ClickEvent{}).
				Where("click_id = ?", ev.ClickID).
				Update("metadata", ev.Metadata)
			return nil
		}
		return err
	}

	res := w.db.WithContext(ctx).
		Model(&click.ClickEvent{}).
		Where("click_id = ? AND is_valid = ? AND commission_amount = 0", ev.ClickID, true).
		Updates(map[string]any{"commission_amount": total, "base_amount": base})
	if res.Error != nil {
		return fmt.Errorf("record commission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Another delivery got there first; release the reserved budget.
		if err := w.campaigns.AddSpend(ctx, c.CampaignID, -total); err != nil {
			zap.L().Error("failed to release reserved budget",
				zap.String("campaign_id", c.CampaignID),
				zap.Int64("amount", total),
				zap.Error(err),
			)
		}
		return nil
	}

	updated, err := w.participants.Credit(ctx, ev.UserID, total, xp)
	if err != nil {
		return err
	}
	if newLevel := earnings.LevelForXP(updated.XP); newLevel > updated.Level {
		if err := w.participants.PromoteLevel(ctx, ev.UserID, newLevel); err != nil {
			zap.L().Error("failed to promote level", zap.String("user_id", ev.UserID), zap.Error(err))
		}
	}

	w.cache.InvalidatePattern(ctx, cachekey.UserPattern(ev.UserID))
	w.cache.InvalidatePattern(ctx, cachekey.CampaignPattern(ev.CampaignID))

	w.q.EnqueueBestEffort(ctx, ChannelNotification, KindClickProcessed, ClickProcessedPayload{
		ClickID:    ev.ClickID,
		UserID:     ev.UserID,
		CampaignID: ev.CampaignID,
		Amount:     total,
	})
	return nil
}

// HandleAnalytics only invalidates; the next read recomputes from the
// store.
func (w *Worker) HandleAnalytics(ctx context.Context, msg *queue.Message) error {
	if msg.Type != KindAnalyticsRefresh {
		return fmt.Errorf("unexpected message type %q on %s", msg.Type, ChannelAnalytics)
	}
	var p AnalyticsRefreshPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	w.cache.InvalidatePattern(ctx, cachekey.CampaignPattern(p.CampaignID))
	return nil
}

// HandleNotification persists the read-model row; the dedup index absorbs
// re-delivery.
func (w *Worker) HandleNotification(ctx context.Context, msg *queue.Message) error {
	if msg.Type != KindClickProcessed {
		return fmt.Errorf("unexpected message type %q on %s", msg.Type, ChannelNotification)
	}
	var p ClickProcessedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	payload, _ := json.Marshal(p)
	n := participant.Notification{
		ID:      w.node.Generate().String(),
		UserID:  p.UserID,
		ClickID: p.ClickID,
		Type:    KindClickProcessed,
		Title:   "Click confirmed",
		Body:    fmt.Sprintf("Your click earned %d", p.Amount),
		Payload: payload,
	}
	return w.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&n).Error
}

func (w *Worker) loadClick(ctx context.Context, clickID string) (*click.ClickEvent, error) {
	var ev click.ClickEvent
	if err := w.db.WithContext(ctx).
		Where("click_id = ?", clickID).
		First(&ev).Error; err != nil {
		return nil, fmt.Errorf("load click %s: %w", clickID, err)
	}
	return &ev, nil
}
