package queue

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Message is one durable queue entry. The queue owns the lifecycle column
// exclusively; subscribers only ever see a message after a successful claim
// and report back through completion or a returned error.
type Message struct {
	ID          string         `gorm:"column:id;primaryKey;type:char(26)"`
	Channel     string         `gorm:"column:channel;index;not null"`
	Type        string         `gorm:"column:type;type:varchar(64);not null"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb"`
	Status      Status         `gorm:"column:status;type:varchar(20);index;not null;default:'pending'"`
	RetryCount  int            `gorm:"column:retry_count;not null;default:0"`
	MaxRetries  int            `gorm:"column:max_retries;not null;default:3"`
	LastError   string         `gorm:"column:last_error;type:text"`
	RetryAt     *time.Time     `gorm:"column:retry_at;index"`
	CreatedAt   time.Time      `gorm:"column:created_at;index"`
	ClaimedAt   *time.Time     `gorm:"column:claimed_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	FailedAt    *time.Time     `gorm:"column:failed_at"`
}

func (Message) TableName() string { return "queue_messages" }

// Draft is a message not yet published, used by PublishBatch.
type Draft struct {
	Type    string
	Payload any
}

// Stats reports per-status message counts for a channel.
type Stats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retry      int64 `json:"retry"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

type publishOptions struct {
	maxRetries int
}

type Option func(*publishOptions)

// WithMaxRetries overrides the retry budget for a single message.
func WithMaxRetries(n int) Option {
	return func(o *publishOptions) { o.maxRetries = n }
}
