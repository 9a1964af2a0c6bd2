package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, max int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, max, window), mr
}

func TestLimiterAllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(t, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.Allow(ctx, "carol")
		require.NoError(t, err)
		assert.True(t, ok, "notification %d should be allowed", i+1)
		require.NoError(t, l.Increment(ctx, "carol"))
	}

	// The eleventh is over the limit.
	ok, err := l.Allow(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLimiterIsPerRecipient(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Increment(ctx, "carol"))

	ok, err := l.Allow(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiterWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Increment(ctx, "carol"))
	ok, err := l.Allow(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(61 * time.Second)

	ok, err = l.Allow(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, ok)
}
