package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"treit-clickplane/services/click"
	"treit-clickplane/services/participant"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ActionNone               = "none"
	ActionEnhancedMonitoring = "enhanced_monitoring"
	ActionManualReview       = "manual_review"
	ActionSuspendAccount     = "suspend_account"

	auditHistoryLimit = 500
)

type AuditRequest struct {
	UserID     string
	CampaignID string
	CheckType  string
	AutoAction bool
}

type AuditResult struct {
	FraudScore        float64  `json:"fraud_score"`
	IsSuspicious      bool     `json:"is_suspicious"`
	DetectionReasons  []string `json:"detection_reasons"`
	RecommendedAction string   `json:"recommended_action"`
	AutoActionTaken   bool     `json:"auto_action_taken"`
}

// Auditor runs the account-level comprehensive check, distinct from the
// per-click scorer. It aggregates a participant's full history and flags
// patterns no single click exposes.
type Auditor struct {
	db           *gorm.DB
	policy       Policy
	participants *participant.Service
}

type AuditorParams struct {
	fx.In

	DB           *gorm.DB
	Policy       Policy
	Participants *participant.Service
}

func NewAuditor(p AuditorParams) *Auditor {
	return &Auditor{
		db:           p.DB,
		policy:       p.Policy,
		participants: p.Participants,
	}
}

func (a *Auditor) Audit(ctx context.Context, req AuditRequest) (*AuditResult, error) {
	p, err := a.participants.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	history, err := click.HistoryForUser(ctx, a.db, req.UserID, auditHistoryLimit)
	if err != nil {
		return nil, err
	}
	if req.CampaignID != "" {
		filtered := history[:0]
		for _, c := range history {
			if c.CampaignID == req.CampaignID {
				filtered = append(filtered, c)
			}
		}
		history = filtered
	}

	score, reasons := a.scoreHistory(p, history)

	res := &AuditResult{
		FraudScore:        score,
		IsSuspicious:      score >= a.policy.FraudThreshold,
		DetectionReasons:  reasons,
		RecommendedAction: recommendAction(score),
	}

	if res.RecommendedAction == ActionSuspendAccount && req.AutoAction {
		if err := a.participants.Suspend(ctx, req.UserID); err != nil {
			zap.L().Error("failed to auto-suspend participant",
				zap.String("user_id", req.UserID),
				zap.Error(err),
			)
		} else {
			res.AutoActionTaken = true
			zap.L().Warn("participant auto-suspended by fraud audit",
				zap.String("user_id", req.UserID),
				zap.Float64("fraud_score", score),
			)
		}
	}

	rawReasons, _ := json.Marshal(reasons)
	if err := a.participants.RecordFraudLog(ctx, &participant.FraudLog{
		UserID:            req.UserID,
		CampaignID:        req.CampaignID,
		CheckType:         req.CheckType,
		FraudScore:        score,
		IsSuspicious:      res.IsSuspicious,
		Reasons:           rawReasons,
		RecommendedAction: res.RecommendedAction,
		AutoActionTaken:   res.AutoActionTaken,
	}); err != nil {
		zap.L().Error("failed to record fraud log", zap.String("user_id", req.UserID), zap.Error(err))
	}

	return res, nil
}

// scoreHistory accumulates evidence; each matched pattern adds weight and a
// human-readable reason for manual review.
func (a *Auditor) scoreHistory(p *participant.Participant, history []click.ClickEvent) (float64, []string) {
	score := 0.0
	reasons := make([]string, 0, 4)

	total := len(history)
	if total == 0 {
		return 0, reasons
	}

	ips := map[string]int{}
	campaigns := map[string]int{}
	agents := map[string]int{}
	privateIPs := 0
	timestamps := make([]time.Time, 0, total)
	for _, c := range history {
		ips[c.IPAddress]++
		campaigns[c.CampaignID]++
		agents[c.UserAgent]++
		timestamps = append(timestamps, c.ClickedAt)
		if ip := net.ParseIP(c.IPAddress); ip != nil && ip.IsPrivate() {
			privateIPs++
		}
	}

	if total >= 50 {
		variety := float64(len(ips)) / float64(total)
		if variety < 0.1 {
			score += 0.3
			reasons = append(reasons, fmt.Sprintf("low IP variety: %d distinct IPs over %d clicks", len(ips), total))
		}
	}

	if privateIPs > total/2 {
		score += 0.2
		reasons = append(reasons, "majority of clicks from private-range IPs")
	}

	if cv, ok := intervalCV(timestamps, 50); ok && cv < a.policy.RegularityCVCutoff {
		score += 0.25
		reasons = append(reasons, "near-constant inter-click intervals")
	}

	if burst(timestamps, time.Minute) >= 20 {
		score += 0.2
		reasons = append(reasons, "rapid clicking burst detected")
	}

	if total >= 30 && len(agents) == 1 {
		score += 0.1
		reasons = append(reasons, "single device fingerprint across all clicks")
	}

	accountAge := time.Since(p.CreatedAt)
	if accountAge < 24*time.Hour && total > 30 {
		score += 0.25
		reasons = append(reasons, fmt.Sprintf("new account with high activity: %d clicks in first day", total))
	}

	if p.LoginCount <= 1 && total > 50 {
		score += 0.15
		reasons = append(reasons, "click volume inconsistent with account engagement")
	}

	for id, n := range campaigns {
		if total >= 30 && float64(n)/float64(total) > 0.95 && len(campaigns) > 1 {
			score += 0.1
			reasons = append(reasons, fmt.Sprintf("over-concentration on campaign %s", id))
			break
		}
	}

	if accountAge > time.Hour && p.TotalEarnings > 0 {
		perHour := float64(p.TotalEarnings) / accountAge.Hours()
		if perHour > 100000 {
			score += 0.2
			reasons = append(reasons, "earnings rate far above population norm")
		}
	}

	return clamp01(score), reasons
}

func recommendAction(score float64) string {
	switch {
	case score > 0.9:
		return ActionSuspendAccount
	case score > 0.7:
		return ActionManualReview
	case score > 0.4:
		return ActionEnhancedMonitoring
	default:
		return ActionNone
	}
}
