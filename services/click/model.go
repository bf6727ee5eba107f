package click

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ClickEvent is the provisional click record. Ingestion creates it with a
// NULL validity (verdict unknown); the pipeline mutates it exactly twice,
// the fraud stage sets is_valid and the earnings stage sets the commission
// columns. Rows are never deleted.
type ClickEvent struct {
	ClickID          string         `gorm:"column:click_id;primaryKey;type:char(26)"`
	EnrollmentID     string         `gorm:"column:enrollment_id;index;not null"`
	UserID           string         `gorm:"column:user_id;index;not null"`
	CampaignID       string         `gorm:"column:campaign_id;index;not null"`
	IPAddress        string         `gorm:"column:ip_address;type:varchar(45)"`
	UserAgent        string         `gorm:"column:user_agent;type:text"`
	Referrer         string         `gorm:"column:referrer;type:text"`
	SessionID        string         `gorm:"column:session_id;type:varchar(128)"`
	IsValid          *bool          `gorm:"column:is_valid;index"`
	BaseAmount       int64          `gorm:"column:base_amount;not null;default:0"`
	CommissionAmount int64          `gorm:"column:commission_amount;not null;default:0"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	ClickedAt        time.Time      `gorm:"column:clicked_at;index;not null"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (ClickEvent) TableName() string { return "click_events" }

// MergeMetadata appends keys into the metadata map without dropping what a
// previous stage wrote.
func (c *ClickEvent) MergeMetadata(extra map[string]any) error {
	merged := map[string]any{}
	if len(c.Metadata) > 0 {
		if err := json.Unmarshal(c.Metadata, &merged); err != nil {
			return err
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	c.Metadata = raw
	return nil
}

// CountSameIP returns the number of clicks from one IP across all
// participants since the cutoff.
func CountSameIP(ctx context.Context, db *gorm.DB, ip string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&ClickEvent{}).
		Where("ip_address = ? AND clicked_at >= ?", ip, since).
		Count(&n).Error
	return n, err
}

// RecentTimestamps returns the newest click timestamps for a
// participant+campaign pair, newest first.
func RecentTimestamps(ctx context.Context, db *gorm.DB, userID, campaignID string, limit int) ([]time.Time, error) {
	var rows []ClickEvent
	err := db.WithContext(ctx).
		Select("clicked_at").
		Where("user_id = ? AND campaign_id = ?", userID, campaignID).
		Order("clicked_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(rows))
	for i, r := range rows {
		out[i] = r.ClickedAt
	}
	return out, nil
}

// HistoryForUser loads a participant's click history, newest first, capped.
func HistoryForUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]ClickEvent, error) {
	var rows []ClickEvent
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("clicked_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
