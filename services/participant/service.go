package participant

import (
	"context"
	"errors"

	"treit-clickplane/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, node: p.Node}
}

func (s *Service) Get(ctx context.Context, userID string) (*Participant, error) {
	var p Participant
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("participant not found")
		}
		return nil, err
	}
	return &p, nil
}

// Credit applies earnings and XP as atomic increments and returns the
// post-increment state. Level promotion is a separate, guarded step so
// concurrent credits can never lower a level.
func (s *Service) Credit(ctx context.Context, userID string, earnings, xp int64) (*Participant, error) {
	res := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"total_earnings": gorm.Expr("total_earnings + ?", earnings),
			"xp":             gorm.Expr("xp + ?", xp),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.NotFound("participant not found")
	}
	return s.Get(ctx, userID)
}

// PromoteLevel raises the stored level to newLevel. The guard makes the
// operation monotone under concurrency; a stale recompute is a no-op.
func (s *Service) PromoteLevel(ctx context.Context, userID string, newLevel int) error {
	res := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("user_id = ? AND level < ?", userID, newLevel).
		Update("level", newLevel)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		zap.L().Info("participant leveled up",
			zap.String("user_id", userID),
			zap.Int("level", newLevel),
		)
	}
	return nil
}

// Suspend flips the account to SUSPENDED. Used by the fraud audit's
// auto-action path.
func (s *Service) Suspend(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("user_id = ?", userID).
		Update("status", StatusSuspended).Error
}

// RecordFraudLog persists one audit-trail row.
func (s *Service) RecordFraudLog(ctx context.Context, entry *FraudLog) error {
	if entry.ID == "" {
		entry.ID = s.node.Generate().String()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// TokenVerifier resolves bearer tokens against the mirrored participant
// table. Suspended accounts fail verification.
type TokenVerifier struct {
	db *gorm.DB
}

func NewTokenVerifier(db *gorm.DB) *TokenVerifier {
	return &TokenVerifier{db: db}
}

func (v *TokenVerifier) Verify(ctx context.Context, token string) (string, error) {
	var p Participant
	if err := v.db.WithContext(ctx).
		Where("api_token = ?", token).
		First(&p).Error; err != nil {
		return "", errutil.Unauthorized("unknown token")
	}
	if p.Status == StatusSuspended {
		return "", errutil.Forbidden("account suspended")
	}
	return p.UserID, nil
}
