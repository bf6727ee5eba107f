package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// memoryCache is a process-local Cache used in tests and single-node dev
// setups. Semantics mirror the redis implementation, including glob-style
// pattern invalidation.
type memoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	sf    singleflight.Group
}

type memoryItem struct {
	raw       []byte
	expiresAt time.Time
}

func NewMemory() Cache {
	return &memoryCache{items: make(map[string]memoryItem)}
}

func (c *memoryCache) Get(ctx context.Context, key string, dest any) bool {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(item.expiresAt) {
		cacheMiss.Inc()
		return false
	}
	if !unmarshal(item.raw, dest) {
		cacheMiss.Inc()
		return false
	}
	cacheHits.Inc()
	return true
}

func (c *memoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, ok := marshal(value)
	if !ok {
		return
	}
	c.mu.Lock()
	c.items[key] = memoryItem{raw: raw, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *memoryCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *memoryCache) InvalidatePattern(ctx context.Context, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.items, key)
		}
	}
}

func (c *memoryCache) group() *singleflight.Group { return &c.sf }
