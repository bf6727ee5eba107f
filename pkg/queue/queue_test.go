package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Message{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	q := New(db, nil, node, Config{
		MaxRetries:        3,
		SweepInterval:     time.Hour,
		SweepBatchSize:    100,
		ProcessingTimeout: 5 * time.Minute,
	})
	t.Cleanup(q.Stop)
	return q
}

func TestPublishPersistsPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Publish(ctx, "fraud_detection", "fraud.check_request", map[string]string{"click_id": "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var msg Message
	require.NoError(t, q.db.Where("id = ?", id).First(&msg).Error)
	require.Equal(t, StatusPending, msg.Status)
	require.Equal(t, 3, msg.MaxRetries)
	require.JSONEq(t, `{"click_id":"c1"}`, string(msg.Payload))
}

func TestPublishBatchSingleInsert(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ids, err := q.PublishBatch(ctx, "analytics_update", []Draft{
		{Type: "analytics.refresh", Payload: map[string]string{"campaign_id": "a"}},
		{Type: "analytics.refresh", Payload: map[string]string{"campaign_id": "b"}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	stats, err := q.Stats(ctx, "analytics_update")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Pending)
}

func TestSubscribeDrainsBacklog(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Publish(ctx, "earnings_calculation", "earnings.calculate", map[string]string{"click_id": "c1"})
	require.NoError(t, err)

	var handled atomic.Int64
	unsub := q.Subscribe("earnings_calculation", func(ctx context.Context, msg *Message) error {
		handled.Add(1)
		return nil
	})
	defer unsub()

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx, "earnings_calculation")
		return err == nil && stats.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerFailureSchedulesDurableRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	frozen := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return frozen }

	id, err := q.Publish(ctx, "fraud_detection", "fraud.check_request", map[string]string{})
	require.NoError(t, err)

	unsub := q.Subscribe("fraud_detection", func(ctx context.Context, msg *Message) error {
		return errors.New("boom")
	})
	defer unsub()

	require.Eventually(t, func() bool {
		var msg Message
		if err := q.db.Where("id = ?", id).First(&msg).Error; err != nil {
			return false
		}
		return msg.Status == StatusRetry && msg.RetryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	var msg Message
	require.NoError(t, q.db.Where("id = ?", id).First(&msg).Error)
	require.NotNil(t, msg.RetryAt)
	require.Equal(t, frozen.Add(2*time.Second), msg.RetryAt.UTC())
	require.Equal(t, "boom", msg.LastError)
}

func TestDeterministicFailureDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	q.backoff = func(int) time.Duration { return 0 }
	ctx := context.Background()

	id, err := q.Publish(ctx, "fraud_detection", "fraud.check_request", map[string]string{})
	require.NoError(t, err)

	var attempts atomic.Int64
	unsub := q.Subscribe("fraud_detection", func(ctx context.Context, msg *Message) error {
		attempts.Add(1)
		return errors.New("always fails")
	})
	defer unsub()

	require.Eventually(t, func() bool {
		var msg Message
		if err := q.db.Where("id = ?", id).First(&msg).Error; err != nil {
			return false
		}
		return msg.Status == StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	var msg Message
	require.NoError(t, q.db.Where("id = ?", id).First(&msg).Error)
	require.Equal(t, 3, msg.RetryCount)
	require.NotNil(t, msg.FailedAt)
	// initial attempt plus one per retry
	require.EqualValues(t, 4, attempts.Load())

	// dead-lettered messages are never picked up again
	q.drain(ctx, "fraud_detection")
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 4, attempts.Load())
}

func TestHandlerPanicIsRetried(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Publish(ctx, "notification", "notify.click_processed", map[string]string{})
	require.NoError(t, err)

	unsub := q.Subscribe("notification", func(ctx context.Context, msg *Message) error {
		panic("handler bug")
	})
	defer unsub()

	require.Eventually(t, func() bool {
		var msg Message
		if err := q.db.Where("id = ?", id).First(&msg).Error; err != nil {
			return false
		}
		return msg.Status == StatusRetry && msg.RetryCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClaimIsExclusive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Publish(ctx, "earnings_calculation", "earnings.calculate", map[string]string{})
	require.NoError(t, err)

	q.mu.Lock()
	q.handlers["earnings_calculation"] = func(ctx context.Context, msg *Message) error { return nil }
	q.mu.Unlock()

	var msg Message
	require.NoError(t, q.db.Where("id = ?", id).First(&msg).Error)

	first := q.dispatch(ctx, &msg)
	require.True(t, first)

	// second delivery of the same row must lose the claim
	stale := msg
	stale.Status = StatusPending
	require.False(t, q.dispatch(ctx, &stale))

	q.wg.Wait()
}

func TestExponentialBackoffSchedule(t *testing.T) {
	require.Equal(t, 2*time.Second, ExponentialBackoff(1))
	require.Equal(t, 4*time.Second, ExponentialBackoff(2))
	require.Equal(t, 8*time.Second, ExponentialBackoff(3))
}

func TestSweepReclaimsStuckProcessing(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Publish(ctx, "fraud_detection", "fraud.check_request", map[string]string{})
	require.NoError(t, err)

	// simulate a worker that died mid-handler
	stuckSince := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, q.db.Model(&Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": StatusProcessing, "claimed_at": stuckSince}).Error)

	q.reclaimStuck(ctx)

	var msg Message
	require.NoError(t, q.db.Where("id = ?", id).First(&msg).Error)
	require.Equal(t, StatusRetry, msg.Status)
	require.Zero(t, msg.RetryCount)
}

func TestStatsCountsByStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Publish(ctx, "fraud_detection", "fraud.check_request", map[string]int{"i": i})
		require.NoError(t, err)
	}
	_, err := q.Publish(ctx, "other", "other.type", map[string]string{})
	require.NoError(t, err)

	stats, err := q.Stats(ctx, "fraud_detection")
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Total)
	require.EqualValues(t, 3, stats.Pending)

	all, err := q.Stats(ctx, "")
	require.NoError(t, err)
	require.EqualValues(t, 4, all.Total)
}
