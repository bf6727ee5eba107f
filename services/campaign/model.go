package campaign

import (
	"time"

	"gorm.io/datatypes"
)

type CampaignStatus string
type EnrollmentStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusActive    CampaignStatus = "ACTIVE"
	CampaignStatusPaused    CampaignStatus = "PAUSED"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"

	EnrollmentStatusActive   EnrollmentStatus = "ACTIVE"
	EnrollmentStatusInactive EnrollmentStatus = "INACTIVE"
)

// Campaign is an advertiser-funded click campaign. SpentAmount is only ever
// mutated through AddSpend's conditional increment so it can never exceed
// Budget.
type Campaign struct {
	CampaignID     string         `gorm:"column:campaign_id;primaryKey;type:char(26)"`
	AdvertiserID   string         `gorm:"column:advertiser_id;index;not null"`
	Title          string         `gorm:"column:title;type:varchar(255);not null"`
	Description    string         `gorm:"column:description;type:text"`
	DestinationURL string         `gorm:"column:destination_url;type:text;not null"`
	CPCRate        int64          `gorm:"column:cpc_rate;not null"`
	Budget         int64          `gorm:"column:budget;not null"`
	SpentAmount    int64          `gorm:"column:spent_amount;not null;default:0"`
	Status         CampaignStatus `gorm:"column:status;type:varchar(50);not null;default:'DRAFT'"`
	StartAt        *time.Time     `gorm:"column:start_at"`
	EndAt          *time.Time     `gorm:"column:end_at"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Campaign) TableName() string { return "campaigns" }

// IsActive checks if the campaign is currently active based on time range & status.
func (c *Campaign) IsActive(now time.Time) bool {
	if c.Status != CampaignStatusActive {
		return false
	}
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}

// WasActiveAt checks the active window at a past instant. Status changes are
// not versioned, so a campaign completed since then still passes when the
// claimed time falls inside its window.
func (c *Campaign) WasActiveAt(t time.Time) bool {
	if c.Status == CampaignStatusDraft {
		return false
	}
	if c.StartAt != nil && t.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && t.After(*c.EndAt) {
		return false
	}
	return true
}

// Enrollment is a participant's membership in a campaign. The tracking code
// is the public handle embedded in shared links; everything else stays
// server-side.
type Enrollment struct {
	EnrollmentID string           `gorm:"column:enrollment_id;primaryKey;type:char(26)"`
	UserID       string           `gorm:"column:user_id;index;not null"`
	CampaignID   string           `gorm:"column:campaign_id;index;not null"`
	TrackingCode string           `gorm:"column:tracking_code;type:char(16);uniqueIndex;not null"`
	Status       EnrollmentStatus `gorm:"column:status;type:varchar(50);not null;default:'ACTIVE'"`
	Platform     string           `gorm:"column:platform;type:varchar(50)"`
	CreatedAt    time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (Enrollment) TableName() string { return "enrollments" }
