package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	publishedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "queue_published_total"}, []string{"channel"})
	completedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "queue_completed_total"}, []string{"channel"})
	retriedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "queue_retried_total"}, []string{"channel"})
	deadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "queue_dead_letter_total"}, []string{"channel"})
)

// Handler processes one claimed message. A nil return completes the message;
// an error schedules a retry (or dead-letters once the budget is exhausted).
type Handler func(ctx context.Context, msg *Message) error

type Config struct {
	MaxRetries        int
	SweepInterval     time.Duration
	SweepBatchSize    int
	ProcessingTimeout time.Duration
}

// Queue is a durable message log over the relational store. Delivery is
// at-least-once: the periodic sweep of due pending/retry rows is the
// authoritative path, redis pub/sub wake-ups and in-memory retry timers are
// latency optimizations only. There is no strict FIFO guarantee; backlog
// recovery drains in creation order but live publishes interleave freely.
type Queue struct {
	db   *gorm.DB
	rdb  *redis.Client
	node *snowflake.Node
	cfg  Config

	// injectable for tests
	now     func() time.Time
	backoff func(retryCount int) time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	wakes    map[string]chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(db *gorm.DB, rdb *redis.Client, node *snowflake.Node, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		db:       db,
		rdb:      rdb,
		node:     node,
		cfg:      cfg,
		now:      time.Now,
		backoff:  ExponentialBackoff,
		handlers: make(map[string]Handler),
		wakes:    make(map[string]chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// ExponentialBackoff returns 2^retryCount seconds: 2s, 4s, 8s, ...
func ExponentialBackoff(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount))) * time.Second
}

// Publish persists a new pending message and emits a best-effort wake-up.
// The message is durable once this returns nil, even if the wake-up fails;
// the sweep will pick it up.
func (q *Queue) Publish(ctx context.Context, channel, typ string, payload any, opts ...Option) (string, error) {
	o := publishOptions{maxRetries: q.cfg.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := Message{
		ID:         q.node.Generate().String(),
		Channel:    channel,
		Type:       typ,
		Payload:    raw,
		Status:     StatusPending,
		MaxRetries: o.maxRetries,
		CreatedAt:  q.now().UTC(),
	}

	if err := q.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	publishedTotal.WithLabelValues(channel).Inc()
	q.notify(ctx, channel)
	return msg.ID, nil
}

// PublishBatch inserts all drafts in one statement and emits a single
// wake-up. Per-message semantics are identical to Publish.
func (q *Queue) PublishBatch(ctx context.Context, channel string, drafts []Draft, opts ...Option) ([]string, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	o := publishOptions{maxRetries: q.cfg.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	now := q.now().UTC()
	msgs := make([]Message, 0, len(drafts))
	ids := make([]string, 0, len(drafts))
	for _, d := range drafts {
		raw, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		id := q.node.Generate().String()
		ids = append(ids, id)
		msgs = append(msgs, Message{
			ID:         id,
			Channel:    channel,
			Type:       d.Type,
			Payload:    raw,
			Status:     StatusPending,
			MaxRetries: o.maxRetries,
			CreatedAt:  now,
		})
	}

	if err := q.db.WithContext(ctx).Create(&msgs).Error; err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	publishedTotal.WithLabelValues(channel).Add(float64(len(msgs)))
	q.notify(ctx, channel)
	return ids, nil
}

// EnqueueBestEffort publishes without surfacing errors to the caller. The
// non-blocking, may-silently-drop contract of the ingestion fan-out is made
// explicit here: a failed publish is logged and accepted.
func (q *Queue) EnqueueBestEffort(ctx context.Context, channel, typ string, payload any) {
	if _, err := q.Publish(ctx, channel, typ, payload); err != nil {
		zap.L().Error("queue: best-effort publish failed",
			zap.String("channel", channel),
			zap.String("type", typ),
			zap.Error(err),
		)
	}
}

// Subscribe registers the handler for a channel, drains the backlog, then
// consumes wake-ups. One handler per channel. The returned function
// unsubscribes.
func (q *Queue) Subscribe(channel string, h Handler) func() {
	q.mu.Lock()
	q.handlers[channel] = h
	wake := make(chan struct{}, 1)
	q.wakes[channel] = wake
	q.mu.Unlock()

	subCtx, subCancel := context.WithCancel(q.baseCtx)

	var pubsubCh <-chan *redis.Message
	var pubsub *redis.PubSub
	if q.rdb != nil {
		pubsub = q.rdb.Subscribe(subCtx, wakeTopic(channel))
		pubsubCh = pubsub.Channel()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.drain(subCtx, channel)
		for {
			select {
			case <-subCtx.Done():
				return
			case <-wake:
				q.drain(subCtx, channel)
			case _, ok := <-pubsubCh:
				if !ok {
					pubsubCh = nil
					continue
				}
				q.drain(subCtx, channel)
			}
		}
	}()

	return func() {
		subCancel()
		if pubsub != nil {
			_ = pubsub.Close()
		}
		q.mu.Lock()
		delete(q.handlers, channel)
		delete(q.wakes, channel)
		q.mu.Unlock()
	}
}

// drain claims and dispatches every due message on the channel, oldest
// first, in batches. Claimed messages are handled concurrently; drain only
// serializes the claim itself.
func (q *Queue) drain(ctx context.Context, channel string) {
	for {
		var due []Message
		now := q.now().UTC()
		err := q.db.WithContext(ctx).
			Where("channel = ?", channel).
			Where("status IN ?", []Status{StatusPending, StatusRetry}).
			Where("retry_at IS NULL OR retry_at <= ?", now).
			Order("created_at ASC").
			Limit(q.cfg.SweepBatchSize).
			Find(&due).Error
		if err != nil {
			zap.L().Error("queue: failed to fetch due messages", zap.String("channel", channel), zap.Error(err))
			return
		}
		if len(due) == 0 {
			return
		}

		dispatched := 0
		for i := range due {
			if q.dispatch(ctx, &due[i]) {
				dispatched++
			}
		}
		if dispatched == 0 {
			return
		}
	}
}

// dispatch atomically claims the message and, on success, runs the handler
// in its own goroutine. The conditional update makes concurrent claims and
// re-deliveries of already-claimed messages safe.
func (q *Queue) dispatch(ctx context.Context, msg *Message) bool {
	q.mu.RLock()
	h, ok := q.handlers[msg.Channel]
	q.mu.RUnlock()
	if !ok {
		return false
	}

	now := q.now().UTC()
	res := q.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND status IN ?", msg.ID, []Status{StatusPending, StatusRetry}).
		Updates(map[string]any{"status": StatusProcessing, "claimed_at": now})
	if res.Error != nil {
		zap.L().Error("queue: failed to claim message", zap.String("message_id", msg.ID), zap.Error(res.Error))
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}

	msg.Status = StatusProcessing
	msg.ClaimedAt = &now

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.handle(ctx, h, msg)
	}()
	return true
}

func (q *Queue) handle(ctx context.Context, h Handler, msg *Message) {
	zapLog := zap.L().With(
		zap.String("message_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.String("type", msg.Type),
	)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ctx, msg)
	}()

	if err == nil {
		now := q.now().UTC()
		if dbErr := q.db.WithContext(ctx).
			Model(&Message{}).
			Where("id = ?", msg.ID).
			Updates(map[string]any{"status": StatusCompleted, "completed_at": now}).Error; dbErr != nil {
			zapLog.Error("queue: failed to mark message completed", zap.Error(dbErr))
			return
		}
		completedTotal.WithLabelValues(msg.Channel).Inc()
		return
	}

	q.fail(ctx, msg, err)
}

// fail records the retry durably before any in-memory timer fires, so a
// crash between the two cannot lose bookkeeping. Retries run max_retries
// times with 2^n second delays, then the message dead-letters.
func (q *Queue) fail(ctx context.Context, msg *Message, cause error) {
	zapLog := zap.L().With(
		zap.String("message_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.String("type", msg.Type),
		zap.Error(cause),
	)

	retryCount := msg.RetryCount + 1

	if retryCount <= msg.MaxRetries {
		delay := q.backoff(retryCount)
		retryAt := q.now().UTC().Add(delay)

		if err := q.db.WithContext(ctx).
			Model(&Message{}).
			Where("id = ?", msg.ID).
			Updates(map[string]any{
				"status":      StatusRetry,
				"retry_count": retryCount,
				"last_error":  cause.Error(),
				"retry_at":    retryAt,
			}).Error; err != nil {
			zapLog.Error("queue: failed to schedule retry", zap.Error(err))
			return
		}

		retriedTotal.WithLabelValues(msg.Channel).Inc()
		zapLog.Warn("queue: scheduled retry",
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", msg.MaxRetries),
			zap.Duration("delay", delay),
		)

		// Latency optimization only; the sweep re-drives due retries after
		// a restart.
		timer := time.AfterFunc(delay, func() { q.wakeLocal(msg.Channel) })
		go func() {
			<-q.baseCtx.Done()
			timer.Stop()
		}()
		return
	}

	now := q.now().UTC()
	if err := q.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{
			"status":     StatusFailed,
			"last_error": cause.Error(),
			"failed_at":  now,
		}).Error; err != nil {
		zapLog.Error("queue: failed to dead-letter message", zap.Error(err))
		return
	}

	deadLetterTotal.WithLabelValues(msg.Channel).Inc()
	zapLog.Error("queue: message dead-lettered", zap.Int("retry_count", msg.RetryCount))
}

// notify emits the best-effort wake-up: a redis publish for remote workers
// and a local wake for in-process subscribers.
func (q *Queue) notify(ctx context.Context, channel string) {
	if q.rdb != nil {
		if err := q.rdb.Publish(ctx, wakeTopic(channel), "1").Err(); err != nil {
			zap.L().Warn("queue: wake-up publish failed", zap.String("channel", channel), zap.Error(err))
		}
	}
	q.wakeLocal(channel)
}

func (q *Queue) wakeLocal(channel string) {
	q.mu.RLock()
	wake, ok := q.wakes[channel]
	q.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func wakeTopic(channel string) string {
	return "queue:wake:" + channel
}

// Stats returns per-status counts for a channel (empty channel = all).
func (q *Queue) Stats(ctx context.Context, channel string) (*Stats, error) {
	var rows []struct {
		Status Status
		N      int64
	}
	tx := q.db.WithContext(ctx).Model(&Message{}).Select("status, COUNT(*) AS n").Group("status")
	if channel != "" {
		tx = tx.Where("channel = ?", channel)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}

	var s Stats
	for _, r := range rows {
		s.Total += r.N
		switch r.Status {
		case StatusPending:
			s.Pending = r.N
		case StatusProcessing:
			s.Processing = r.N
		case StatusRetry:
			s.Retry = r.N
		case StatusCompleted:
			s.Completed = r.N
		case StatusFailed:
			s.Failed = r.N
		}
	}
	return &s, nil
}
