package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soheilrt/play-scraper/internal/postgres"
	redisstore "github.com/soheilrt/play-scraper/internal/redis"
	"github.com/soheilrt/play-scraper/services/worker/config"
)

// stores bundles every Redis-backed component under one client.
type stores struct {
	client  *redis.Client
	queue   *redisstore.Queue
	lease   *redisstore.Lease
	admin   *redisstore.AdminQueue
	results *redisstore.ResultStore
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	client := redisstore.NewClient(redisstore.ClientConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisstore.Ping(pingCtx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &stores{
		client: client,
		queue: redisstore.NewQueue(client,
			redisstore.WithPrefix(cfg.KeyPrefix),
			redisstore.WithRetryCeiling(cfg.RetryCeiling),
		),
		lease:   redisstore.NewLease(client, cfg.KeyPrefix),
		admin:   redisstore.NewAdminQueue(client, cfg.KeyPrefix),
		results: redisstore.NewResultStore(client, cfg.KeyPrefix, cfg.ResultTTL),
	}, nil
}

func (s *stores) Close() error { return s.client.Close() }

func (s *stores) snapshot(ctx context.Context) (redisstore.SnapshotInfo, error) {
	return redisstore.Persistence(ctx, s.client)
}

func (s *stores) ping(ctx context.Context) error {
	return redisstore.Ping(ctx, s.client)
}

// openHistory connects the execution log when a DSN is configured. The
// returned close function is always safe to call.
func openHistory(ctx context.Context, dsn string, logger *slog.Logger) (postgres.ExecutionLog, func(), error) {
	if dsn == "" {
		return postgres.NopLog{}, func() {}, nil
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(initCtx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	logger.Info("execution history enabled")
	return postgres.NewExecutionLog(pool), pool.Close, nil
}
