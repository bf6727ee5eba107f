package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "cache_miss_total"})
)

var Module = fx.Module("cache",
	fx.Provide(ProvideCache),
)

// Cache is a best-effort key/value layer. It is never the source of truth:
// a miss (or an unreachable backend) means the caller recomputes from the
// relational store. No operation returns an error to the caller.
type Cache interface {
	// Get unmarshals the cached value into dest and reports whether the key
	// was present. Any backend failure reads as a miss.
	Get(ctx context.Context, key string, dest any) bool
	// Set stores the value with a TTL. Failures are logged and swallowed.
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// InvalidatePattern enumerates keys matching a glob pattern and deletes
	// them one by one. Not atomic across keys.
	InvalidatePattern(ctx context.Context, pattern string)

	group() *singleflight.Group
}

// Cached is a read-through wrapper: cache hit short-circuits, a miss runs
// compute (deduplicated per key via singleflight) and stores the result.
func Cached[T any](ctx context.Context, c Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var hit T
	if c.Get(ctx, key, &hit) {
		return hit, nil
	}

	v, err, _ := c.group().Do(key, func() (any, error) {
		fresh, err := compute(ctx)
		if err != nil {
			return fresh, err
		}
		c.Set(ctx, key, fresh, ttl)
		return fresh, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func marshal(value any) ([]byte, bool) {
	raw, err := json.Marshal(value)
	if err != nil {
		zap.L().Warn("cache: failed to marshal value", zap.Error(err))
		return nil, false
	}
	return raw, true
}

func unmarshal(raw []byte, dest any) bool {
	if err := json.Unmarshal(raw, dest); err != nil {
		zap.L().Warn("cache: failed to unmarshal value", zap.Error(err))
		return false
	}
	return true
}
