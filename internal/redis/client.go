package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soheilrt/play-scraper/internal/domain"
)

// DefaultPrefix namespaces every key this service writes.
const DefaultPrefix = "crawlkeeper:"

// ClientConfig addresses the durable store.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates and returns a new Redis client.
func NewClient(cfg ClientConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

// Ping verifies the store is reachable.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var unavailable *domain.StoreUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) pending() string             { return k.prefix + "pending" }
func (k keyspace) inflight() string            { return k.prefix + "inflight" }
func (k keyspace) done() string                { return k.prefix + "done" }
func (k keyspace) dead() string                { return k.prefix + "dead" }
func (k keyspace) lease() string               { return k.prefix + "lease" }
func (k keyspace) admin() string               { return k.prefix + "admin" }
func (k keyspace) taskPrefix() string          { return k.prefix + "task:" }
func (k keyspace) task(id string) string       { return k.taskPrefix() + id }
func (k keyspace) result(id string) string     { return k.prefix + "result:" + id }
func (k keyspace) ratelimit(key string) string { return k.prefix + "ratelimit:" + key }
