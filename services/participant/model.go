package participant

import (
	"time"

	"gorm.io/datatypes"
)

type ParticipantStatus string

const (
	StatusActive    ParticipantStatus = "ACTIVE"
	StatusSuspended ParticipantStatus = "SUSPENDED"
)

// Participant holds the earnings-relevant slice of an account. Identity and
// profile data live with the external auth service; only the API token hash
// is mirrored here for request verification.
type Participant struct {
	UserID        string            `gorm:"column:user_id;primaryKey;type:char(26)"`
	APIToken      string            `gorm:"column:api_token;type:char(64);uniqueIndex"`
	Status        ParticipantStatus `gorm:"column:status;type:varchar(50);not null;default:'ACTIVE'"`
	Level         int               `gorm:"column:level;not null;default:1"`
	XP            int64             `gorm:"column:xp;not null;default:0"`
	TotalEarnings int64             `gorm:"column:total_earnings;not null;default:0"`
	LoginCount    int               `gorm:"column:login_count;not null;default:0"`
	LastLoginAt   *time.Time        `gorm:"column:last_login_at"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Participant) TableName() string { return "participants" }

// FraudLog is the durable audit trail for every fraud-relevant event,
// written regardless of outcome.
type FraudLog struct {
	ID                string         `gorm:"column:id;primaryKey;type:char(26)"`
	UserID            string         `gorm:"column:user_id;index;not null"`
	CampaignID        string         `gorm:"column:campaign_id;index"`
	ClickID           string         `gorm:"column:click_id;index"`
	CheckType         string         `gorm:"column:check_type;type:varchar(50);not null"`
	FraudScore        float64        `gorm:"column:fraud_score;not null"`
	IsSuspicious      bool           `gorm:"column:is_suspicious;not null"`
	Reasons           datatypes.JSON `gorm:"column:reasons;type:jsonb"`
	RecommendedAction string         `gorm:"column:recommended_action;type:varchar(50)"`
	AutoActionTaken   bool           `gorm:"column:auto_action_taken;not null;default:false"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (FraudLog) TableName() string { return "fraud_logs" }

// Notification is the persisted read-model entry; delivery channels (push,
// email) are external collaborators.
type Notification struct {
	ID        string         `gorm:"column:id;primaryKey;type:char(26)"`
	UserID    string         `gorm:"column:user_id;index;not null;uniqueIndex:idx_notifications_dedup"`
	ClickID   string         `gorm:"column:click_id;uniqueIndex:idx_notifications_dedup"`
	Type      string         `gorm:"column:type;type:varchar(50);not null;uniqueIndex:idx_notifications_dedup"`
	Title     string         `gorm:"column:title;type:varchar(255)"`
	Body      string         `gorm:"column:body;type:text"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb"`
	ReadAt    *time.Time     `gorm:"column:read_at"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (Notification) TableName() string { return "notifications" }

// DailyBonus records one claim per participant per UTC day.
type DailyBonus struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	UserID    string    `gorm:"column:user_id;not null;uniqueIndex:idx_daily_bonus_claim"`
	BonusDate string    `gorm:"column:bonus_date;type:char(10);not null;uniqueIndex:idx_daily_bonus_claim"`
	Amount    int64     `gorm:"column:amount;not null"`
	Streak    int       `gorm:"column:streak;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (DailyBonus) TableName() string { return "daily_bonuses" }
