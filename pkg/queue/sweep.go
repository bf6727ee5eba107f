package queue

import (
	"context"
	"time"

	"treit-clickplane/pkg/config"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("queue",
	fx.Provide(ProvideQueue),
	fx.Invoke(Run),
)

type QueueParams struct {
	fx.In
	DB     *gorm.DB
	Redis  *redis.Client `optional:"true"`
	Node   *snowflake.Node
	Config *config.Config
}

func ProvideQueue(p QueueParams) *Queue {
	return New(p.DB, p.Redis, p.Node, Config{
		MaxRetries:        p.Config.Queue.MaxRetries,
		SweepInterval:     p.Config.Queue.SweepInterval,
		SweepBatchSize:    p.Config.Queue.SweepBatchSize,
		ProcessingTimeout: p.Config.Queue.ProcessingTimeout,
	})
}

func Run(lc fx.Lifecycle, q *Queue) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			q.StartSweeper()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			q.Stop()
			return nil
		},
	})
}

// StartSweeper launches the periodic re-drive loop. The sweep is the
// authoritative delivery path: it wakes every subscribed channel so due
// pending/retry messages get drained even when wake-up signals were lost,
// and it reclaims messages stuck in processing after a worker death.
func (q *Queue) StartSweeper() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-q.baseCtx.Done():
				return
			case <-ticker.C:
				q.sweep(q.baseCtx)
			}
		}
	}()
}

func (q *Queue) sweep(ctx context.Context) {
	q.reclaimStuck(ctx)

	q.mu.RLock()
	channels := make([]string, 0, len(q.wakes))
	for ch := range q.wakes {
		channels = append(channels, ch)
	}
	q.mu.RUnlock()

	for _, ch := range channels {
		q.wakeLocal(ch)
	}
}

// reclaimStuck moves messages that stayed in processing past the timeout
// back to retry. The claim timestamp is the only evidence of a dead worker,
// so the retry does not consume an attempt from the budget.
func (q *Queue) reclaimStuck(ctx context.Context) {
	cutoff := q.now().UTC().Add(-q.cfg.ProcessingTimeout)
	now := q.now().UTC()

	res := q.db.WithContext(ctx).
		Model(&Message{}).
		Where("status = ? AND claimed_at < ?", StatusProcessing, cutoff).
		Updates(map[string]any{"status": StatusRetry, "retry_at": now})
	if res.Error != nil {
		zap.L().Error("queue: failed to reclaim stuck messages", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Warn("queue: reclaimed stuck messages", zap.Int64("count", res.RowsAffected))
	}
}

// Stop cancels subscriber loops and waits for in-flight handlers.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}
