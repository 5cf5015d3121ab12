package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soheilrt/play-scraper/internal/domain"
)

// DefaultResultTTL is how long an extraction result is retained.
const DefaultResultTTL = 7 * 24 * time.Hour

// ResultStore keeps the latest extraction result of each task.
type ResultStore struct {
	client *redis.Client
	keys   keyspace
	ttl    time.Duration
}

// NewResultStore returns a result store under prefix. A zero ttl keeps results forever.
func NewResultStore(client *redis.Client, prefix string, ttl time.Duration) *ResultStore {
	return &ResultStore{client: client, keys: newKeyspace(prefix), ttl: ttl}
}

// SetResult stores r under its task id, replacing any earlier result.
func (s *ResultStore) SetResult(ctx context.Context, r *domain.Result) error {
	if r == nil || r.TaskID == "" {
		return errors.New("set result: missing task id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", r.TaskID, err)
	}
	if err := s.client.Set(ctx, s.keys.result(r.TaskID), data, s.ttl).Err(); err != nil {
		return storeErr("set result", err)
	}
	return nil
}

// GetResult returns the stored result for taskID.
func (s *ResultStore) GetResult(ctx context.Context, taskID string) (*domain.Result, error) {
	data, err := s.client.Get(ctx, s.keys.result(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	if err != nil {
		return nil, storeErr("get result", err)
	}
	var r domain.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", taskID, err)
	}
	return &r, nil
}
