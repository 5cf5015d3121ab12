package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OpRequeueDead asks the lease holder to move a dead-lettered task back to pending.
const OpRequeueDead = "requeue_dead"

// AdminCommand is an operator request that only the lease holder may apply.
type AdminCommand struct {
	ID          string    `json:"id"`
	Op          string    `json:"op"`
	TaskID      string    `json:"task_id"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// AdminQueue is the operator command list. Anyone may submit; the active
// worker drains and applies.
type AdminQueue struct {
	client *redis.Client
	key    string
}

// NewAdminQueue returns the command list stored under prefix.
func NewAdminQueue(client *redis.Client, prefix string) *AdminQueue {
	return &AdminQueue{client: client, key: newKeyspace(prefix).admin()}
}

// Submit appends a command and returns it with its ID filled in.
func (a *AdminQueue) Submit(ctx context.Context, op, taskID, requestedBy string) (*AdminCommand, error) {
	if op != OpRequeueDead {
		return nil, fmt.Errorf("submit admin command: unsupported op %q", op)
	}
	if taskID == "" {
		return nil, fmt.Errorf("submit admin command: empty task id")
	}
	cmd := &AdminCommand{
		ID:          uuid.NewString(),
		Op:          op,
		TaskID:      taskID,
		RequestedBy: requestedBy,
		RequestedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal admin command: %w", err)
	}
	if err := a.client.RPush(ctx, a.key, data).Err(); err != nil {
		return nil, storeErr("submit admin command", err)
	}
	return cmd, nil
}

// Drain atomically removes and returns up to max commands in submission order.
// Entries that fail to decode are dropped.
func (a *AdminQueue) Drain(ctx context.Context, max int64) ([]*AdminCommand, error) {
	if max <= 0 {
		return nil, nil
	}
	pipe := a.client.TxPipeline()
	rng := pipe.LRange(ctx, a.key, 0, max-1)
	pipe.LTrim(ctx, a.key, max, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("drain admin commands", err)
	}
	return decodeCommands(rng.Val()), nil
}

// Pending lists queued commands without removing them.
func (a *AdminQueue) Pending(ctx context.Context) ([]*AdminCommand, error) {
	raw, err := a.client.LRange(ctx, a.key, 0, -1).Result()
	if err != nil {
		return nil, storeErr("list admin commands", err)
	}
	return decodeCommands(raw), nil
}

func decodeCommands(raw []string) []*AdminCommand {
	out := make([]*AdminCommand, 0, len(raw))
	for _, s := range raw {
		var cmd AdminCommand
		if err := json.Unmarshal([]byte(s), &cmd); err != nil {
			continue
		}
		out = append(out, &cmd)
	}
	return out
}
