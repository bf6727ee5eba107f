package earnings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"treit-clickplane/pkg/cache"
	"treit-clickplane/pkg/cachekey"
	"treit-clickplane/pkg/errutil"
	"treit-clickplane/services/click"
	"treit-clickplane/services/participant"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const summaryCacheTTL = 5 * time.Minute

// Quality bonus: 5% of base when the fraud stage's average validation score
// over the period's valid clicks clears the cutoff.
const (
	qualityScoreCutoff  = 0.9
	qualityBonusPercent = 5
)

// Period names the supported earnings windows.
type Period string

const (
	PeriodToday        Period = "today"
	PeriodYesterday    Period = "yesterday"
	PeriodCurrentWeek  Period = "current_week"
	PeriodLastWeek     Period = "last_week"
	PeriodCurrentMonth Period = "current_month"
	PeriodLastMonth    Period = "last_month"
	PeriodAllTime      Period = "all_time"
)

// Breakdown is the period-scoped earnings summary.
type Breakdown struct {
	Period        Period `json:"period"`
	Base          int64  `json:"base"`
	LevelBonus    int64  `json:"level_bonus"`
	ReferralBonus int64  `json:"referral_bonus"`
	StreakBonus   int64  `json:"streak_bonus"`
	QualityBonus  int64  `json:"quality_bonus"`
	Total         int64  `json:"total"`
	ClickCount    int64  `json:"click_count"`
}

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	cache        cache.Cache
	participants *participant.Service

	now func() time.Time
}

type ServiceParams struct {
	fx.In

	DB           *gorm.DB
	Node         *snowflake.Node
	Cache        cache.Cache
	Participants *participant.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		cache:        p.Cache,
		participants: p.Participants,
		now:          time.Now,
	}
}

// Summary aggregates a participant's earnings over the period, read-through
// cached. Base and level bonus come from the click rows, streak bonus from
// daily bonus claims, quality bonus from the fraud stage's validation scores.
// Referral settlements live with the external referral service and are
// reported as zero here.
func (s *Service) Summary(ctx context.Context, userID string, period Period) (*Breakdown, error) {
	from, to, err := s.periodRange(period)
	if err != nil {
		return nil, err
	}

	key := cachekey.UserEarnings(userID, string(period))
	return cache.Cached(ctx, s.cache, key, summaryCacheTTL, func(ctx context.Context) (*Breakdown, error) {
		var row struct {
			Base  int64
			Total int64
			N     int64
		}
		q := s.db.WithContext(ctx).
			Model(&click.ClickEvent{}).
			Select("COALESCE(SUM(base_amount),0) AS base, COALESCE(SUM(commission_amount),0) AS total, COUNT(*) AS n").
			Where("user_id = ? AND is_valid = ?", userID, true)
		if !from.IsZero() {
			q = q.Where("clicked_at >= ? AND clicked_at < ?", from, to)
		}
		if err := q.Scan(&row).Error; err != nil {
			return nil, err
		}

		var streak int64
		bq := s.db.WithContext(ctx).
			Model(&participant.DailyBonus{}).
			Select("COALESCE(SUM(amount),0)").
			Where("user_id = ?", userID)
		if !from.IsZero() {
			bq = bq.Where("created_at >= ? AND created_at < ?", from, to)
		}
		if err := bq.Scan(&streak).Error; err != nil {
			return nil, err
		}

		quality, err := s.qualityBonus(ctx, userID, from, to, row.Base)
		if err != nil {
			return nil, err
		}

		return &Breakdown{
			Period:       period,
			Base:         row.Base,
			LevelBonus:   row.Total - row.Base,
			StreakBonus:  streak,
			QualityBonus: quality,
			Total:        row.Total + streak + quality,
			ClickCount:   row.N,
		}, nil
	})
}

// qualityBonus averages the validation scores the fraud stage wrote into the
// period's valid clicks. Scores live inside the metadata JSON, which the SQL
// dialects disagree on, so the blobs are decoded here. Clicks without a score
// (verdict predates the scoring rollout) are left out of the average.
func (s *Service) qualityBonus(ctx context.Context, userID string, from, to time.Time, base int64) (int64, error) {
	if base <= 0 {
		return 0, nil
	}

	var metas []datatypes.JSON
	q := s.db.WithContext(ctx).
		Model(&click.ClickEvent{}).
		Where("user_id = ? AND is_valid = ?", userID, true)
	if !from.IsZero() {
		q = q.Where("clicked_at >= ? AND clicked_at < ?", from, to)
	}
	if err := q.Pluck("metadata", &metas).Error; err != nil {
		return 0, err
	}

	var sum float64
	scored := 0
	for _, raw := range metas {
		if len(raw) == 0 {
			continue
		}
		var m struct {
			ValidationScore *float64 `json:"validation_score"`
		}
		if err := json.Unmarshal(raw, &m); err != nil || m.ValidationScore == nil {
			continue
		}
		sum += *m.ValidationScore
		scored++
	}
	if scored == 0 {
		return 0, nil
	}
	if sum/float64(scored) <= qualityScoreCutoff {
		return 0, nil
	}
	return base * qualityBonusPercent / 100, nil
}

// ClaimDaily claims the once-per-UTC-day bonus. The unique index on
// (user_id, bonus_date) is the real guard; the read beforehand only shapes
// the error.
func (s *Service) ClaimDaily(ctx context.Context, userID string) (*participant.DailyBonus, bool, error) {
	p, err := s.participants.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if p.Status == participant.StatusSuspended {
		return nil, false, errutil.Forbidden("account suspended")
	}

	today := s.now().UTC().Format("2006-01-02")
	yesterday := s.now().UTC().AddDate(0, 0, -1).Format("2006-01-02")

	var existing participant.DailyBonus
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND bonus_date = ?", userID, today).
		First(&existing).Error
	if err == nil {
		return nil, false, errutil.Conflict("daily bonus already claimed")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	streak := 1
	var prev participant.DailyBonus
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND bonus_date = ?", userID, yesterday).
		First(&prev).Error; err == nil {
		streak = prev.Streak + 1
	}

	base := DailyBonusBase(p.Level)
	amount := base + StreakBonus(base, streak)

	bonus := participant.DailyBonus{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		BonusDate: today,
		Amount:    amount,
		Streak:    streak,
	}
	if err := s.db.WithContext(ctx).Create(&bonus).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, errutil.Conflict("daily bonus already claimed")
		}
		return nil, false, err
	}

	updated, err := s.participants.Credit(ctx, userID, amount, XPGain(amount*10))
	if err != nil {
		return nil, false, err
	}

	leveledUp := false
	if newLevel := AccountLevel(updated.XP); newLevel > updated.Level {
		leveledUp = true
		if err := s.participants.PromoteLevel(ctx, userID, newLevel); err != nil {
			zap.L().Error("failed to promote level after daily bonus",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	s.cache.InvalidatePattern(ctx, cachekey.UserPattern(userID))
	return &bonus, leveledUp, nil
}

func (s *Service) periodRange(p Period) (time.Time, time.Time, error) {
	now := s.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	// Monday-based weeks
	weekday := (int(now.Weekday()) + 6) % 7
	weekStart := day.AddDate(0, 0, -weekday)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	switch p {
	case PeriodToday:
		return day, day.AddDate(0, 0, 1), nil
	case PeriodYesterday:
		return day.AddDate(0, 0, -1), day, nil
	case PeriodCurrentWeek:
		return weekStart, weekStart.AddDate(0, 0, 7), nil
	case PeriodLastWeek:
		return weekStart.AddDate(0, 0, -7), weekStart, nil
	case PeriodCurrentMonth:
		return monthStart, monthStart.AddDate(0, 1, 0), nil
	case PeriodLastMonth:
		return monthStart.AddDate(0, -1, 0), monthStart, nil
	case PeriodAllTime:
		return time.Time{}, time.Time{}, nil
	default:
		return time.Time{}, time.Time{}, errutil.BadRequest("unknown period")
	}
}
