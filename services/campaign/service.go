package campaign

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"treit-clickplane/pkg/cache"
	"treit-clickplane/pkg/cachekey"
	"treit-clickplane/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrBudgetExhausted reports a spend that would push the campaign past its
// budget. Deterministic policy rejection, callers must not retry.
var ErrBudgetExhausted = errors.New("campaign budget exhausted")

const (
	trackingCodeLen      = 16
	trackingCodeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	enrollmentCacheTTL = 10 * time.Minute
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	cache cache.Cache
}

type ServiceParams struct {
	fx.In

	DB    *gorm.DB
	Node  *snowflake.Node
	Cache cache.Cache
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		cache: p.Cache,
	}
}

func (s *Service) Get(ctx context.Context, campaignID string) (*Campaign, error) {
	var c Campaign
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("campaign not found")
		}
		return nil, err
	}
	return &c, nil
}

// Join enrolls a participant into a campaign with a fresh tracking code.
// Code collisions are vanishingly rare; the unique index catches them and we
// mint a new code.
func (s *Service) Join(ctx context.Context, userID, campaignID, platform string) (*Enrollment, error) {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive(time.Now().UTC()) {
		return nil, errutil.Forbidden("campaign is not active")
	}

	var existing Enrollment
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND campaign_id = ?", userID, campaignID).
		First(&existing).Error
	if err == nil {
		return nil, errutil.Conflict("already enrolled in campaign")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		code, err := NewTrackingCode()
		if err != nil {
			return nil, err
		}

		e := Enrollment{
			EnrollmentID: s.node.Generate().String(),
			UserID:       userID,
			CampaignID:   campaignID,
			TrackingCode: code,
			Status:       EnrollmentStatusActive,
			Platform:     platform,
		}

		if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return nil, err
		}
		return &e, nil
	}

	return nil, errutil.Internal("failed to generate unique tracking code")
}

// ResolveTrackingCode maps a public tracking code to its enrollment,
// cache-then-store.
func (s *Service) ResolveTrackingCode(ctx context.Context, code string) (*Enrollment, error) {
	return cache.Cached(ctx, s.cache, cachekey.EnrollmentTracking(code), enrollmentCacheTTL,
		func(ctx context.Context) (*Enrollment, error) {
			var e Enrollment
			if err := s.db.WithContext(ctx).
				Where("tracking_code = ?", code).
				First(&e).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, errutil.NotFound("invalid tracking code")
				}
				return nil, err
			}
			return &e, nil
		})
}

// AddSpend applies a spend delta with a conditional increment so the budget
// invariant holds under concurrent clicks. Negative amounts refund.
func (s *Service) AddSpend(ctx context.Context, campaignID string, amount int64) error {
	res := s.db.WithContext(ctx).
		Model(&Campaign{}).
		Where("campaign_id = ? AND spent_amount + ? <= budget AND spent_amount + ? >= 0", campaignID, amount, amount).
		Update("spent_amount", gorm.Expr("spent_amount + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Warn("campaign spend rejected",
			zap.String("campaign_id", campaignID),
			zap.Int64("amount", amount),
		)
		return ErrBudgetExhausted
	}
	return nil
}

// NewTrackingCode mints a 16-char lowercase base36 code from crypto/rand.
func NewTrackingCode() (string, error) {
	buf := make([]byte, trackingCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = trackingCodeAlphabet[int(b)%len(trackingCodeAlphabet)]
	}
	return string(buf), nil
}
