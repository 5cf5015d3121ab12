package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies fetches using a sliding-window count in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	keys   keyspace
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of fetches allowed per window for a given key.
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{
		client: client,
		keys:   newKeyspace(prefix),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow reports whether one more fetch for key fits in the current window.
// Rejected fetches are not recorded, so a throttled kind recovers as soon as
// the oldest entry ages out.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := r.keys.ratelimit(key)

	// The member is unique so calls in the same nanosecond are all counted.
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	// Keep the key alive for at least one more window.
	ttl := max((r.window * 2).Milliseconds(), 1)
	n, err := rateLimitScript.Run(ctx, r.client, []string{rkey},
		now, windowStart, r.limit, member, ttl,
	).Int()
	if err != nil {
		return false, storeErr("rate limit "+key, err)
	}
	return n == 1, nil
}
