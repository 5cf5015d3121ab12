package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseInfo describes the current lease holder as seen by the store.
type LeaseInfo struct {
	Held   bool          `json:"held"`
	Holder string        `json:"holder,omitempty"`
	TTL    time.Duration `json:"ttl"`
}

// Lease is the single-writer lock record. Expiry is enforced by the store
// itself, so a crashed holder loses the lease after ttl without cleanup.
type Lease struct {
	client *redis.Client
	key    string
}

// NewLease returns the lease stored under prefix.
func NewLease(client *redis.Client, prefix string) *Lease {
	return &Lease{client: client, key: newKeyspace(prefix).lease()}
}

// Acquire takes the lease for token when it is free or already held by token.
func (l *Lease) Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, storeErr("lease acquire", err)
	}
	return n == 1, nil
}

// Renew extends the lease only if token still owns it.
func (l *Lease) Renew(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, storeErr("lease renew", err)
	}
	return n == 1, nil
}

// Release deletes the lease only if token still owns it.
func (l *Lease) Release(ctx context.Context, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return false, storeErr("lease release", err)
	}
	return n == 1, nil
}

// Holder reports who holds the lease and for how much longer.
func (l *Lease) Holder(ctx context.Context) (LeaseInfo, error) {
	pipe := l.client.Pipeline()
	get := pipe.Get(ctx, l.key)
	ttl := pipe.PTTL(ctx, l.key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return LeaseInfo{}, storeErr("lease holder", err)
	}
	holder, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return LeaseInfo{}, nil
	}
	if err != nil {
		return LeaseInfo{}, storeErr("lease holder", err)
	}
	return LeaseInfo{Held: true, Holder: holder, TTL: ttl.Val()}, nil
}
