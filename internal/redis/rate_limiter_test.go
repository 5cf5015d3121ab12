package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*slidingWindowLimiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := NewRateLimiter(newTestClient(t, miniredis.RunT(t)), "", limit, window).(*slidingWindowLimiter)
	l.now = clock.Now
	return l, clock
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, time.Second)
	ctx := context.Background()

	for i := range 3 {
		ok, err := limiter.Allow(ctx, "details")
		require.NoError(t, err)
		assert.True(t, ok, "fetch %d should be allowed", i+1)
	}

	ok, err := limiter.Allow(ctx, "details")
	require.NoError(t, err)
	assert.False(t, ok, "4th fetch should be throttled")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	limiter, clock := newTestLimiter(t, 2, time.Second)
	ctx := context.Background()

	for range 2 {
		ok, err := limiter.Allow(ctx, "details")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "details")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(1100 * time.Millisecond)

	ok, err = limiter.Allow(ctx, "details")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed once the window has passed")
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "details")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "details")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "developer")
	require.NoError(t, err)
	assert.True(t, ok, "kinds are throttled independently")
}

func TestRateLimiter_ZeroLimitDisabled(t *testing.T) {
	limiter, _ := newTestLimiter(t, 0, time.Second)
	for range 10 {
		ok, err := limiter.Allow(context.Background(), "details")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRateLimiter_ConcurrentCallersShareTheLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Allow(ctx, "details")
			assert.NoError(t, err)
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), allowed.Load())
}
