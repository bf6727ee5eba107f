package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProvideCache wires the redis-backed cache. A nil client degrades to the
// disabled cache so callers always recompute instead of failing.
func ProvideCache(rdb *redis.Client) Cache {
	if rdb == nil {
		return NewDisabled()
	}
	return NewRedis(rdb)
}

type redisCache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func NewRedis(rdb *redis.Client) Cache {
	return &redisCache{rdb: rdb}
}

func (c *redisCache) Get(ctx context.Context, key string, dest any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("cache: redis GET failed", zap.String("key", key), zap.Error(err))
		}
		cacheMiss.Inc()
		return false
	}
	if !unmarshal(raw, dest) {
		cacheMiss.Inc()
		return false
	}
	cacheHits.Inc()
	return true
}

func (c *redisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, ok := marshal(value)
	if !ok {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		zap.L().Warn("cache: redis SET failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *redisCache) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		zap.L().Warn("cache: redis DEL failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *redisCache) InvalidatePattern(ctx context.Context, pattern string) {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		c.Delete(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		zap.L().Warn("cache: redis SCAN failed", zap.String("pattern", pattern), zap.Error(err))
	}
}

func (c *redisCache) group() *singleflight.Group { return &c.sf }

// disabledCache turns every read into a miss and every write into a no-op.
type disabledCache struct {
	sf singleflight.Group
}

func NewDisabled() Cache { return &disabledCache{} }

func (c *disabledCache) Get(ctx context.Context, key string, dest any) bool {
	cacheMiss.Inc()
	return false
}

func (c *disabledCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {}
func (c *disabledCache) Delete(ctx context.Context, key string)                            {}
func (c *disabledCache) InvalidatePattern(ctx context.Context, pattern string)             {}
func (c *disabledCache) group() *singleflight.Group                                        { return &c.sf }
