package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	c.Set(ctx, "user:earnings:u1:today", payload{Name: "alpha"}, time.Minute)

	var got payload
	require.True(t, c.Get(ctx, "user:earnings:u1:today", &got))
	require.Equal(t, "alpha", got.Name)

	c.Delete(ctx, "user:earnings:u1:today")
	require.False(t, c.Get(ctx, "user:earnings:u1:today", &got))
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	var got string
	require.False(t, c.Get(ctx, "k", &got))
}

func TestMemoryCacheInvalidatePattern(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	c.Set(ctx, "user:earnings:u1:today", 1, time.Minute)
	c.Set(ctx, "user:analytics:u1", 2, time.Minute)
	c.Set(ctx, "user:earnings:u2:today", 3, time.Minute)

	c.InvalidatePattern(ctx, "user:*:u1*")

	var got int
	require.False(t, c.Get(ctx, "user:earnings:u1:today", &got))
	require.False(t, c.Get(ctx, "user:analytics:u1", &got))
	require.True(t, c.Get(ctx, "user:earnings:u2:today", &got))
}

func TestCachedReadThrough(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "computed", nil
	}

	v, err := Cached(ctx, c, "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, "computed", v)
	require.Equal(t, 1, calls)

	v, err = Cached(ctx, c, "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, "computed", v)
	require.Equal(t, 1, calls)
}

func TestCachedComputeErrorNotCached(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	calls := 0
	_, err := Cached(ctx, c, "k", time.Minute, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("store down")
	})
	require.Error(t, err)

	v, err := Cached(ctx, c, "k", time.Minute, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, calls)
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c := NewDisabled()
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)

	var got string
	require.False(t, c.Get(ctx, "k", &got))

	calls := 0
	v, err := Cached(ctx, c, "k", time.Minute, func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = Cached(ctx, c, "k", time.Minute, func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestProvideCacheDegradesWithoutRedis(t *testing.T) {
	c := ProvideCache(nil)
	require.IsType(t, &disabledCache{}, c)
}
