package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soheilrt/play-scraper/internal/domain"
)

// DefaultRetryCeiling is the number of failed attempts before a task is dead-lettered.
const DefaultRetryCeiling = 3

// Stats is a point-in-time count of every queue partition.
type Stats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Done     int64 `json:"done"`
	Dead     int64 `json:"dead"`
}

// Queue is the Redis-backed task queue. Reads and Enqueue are available to
// anyone; every other mutation goes through a Writer bound to a lease token.
type Queue struct {
	client  *redis.Client
	keys    keyspace
	ceiling int
	now     func() time.Time

	// mu serialises mutations issued by Writers of this queue.
	mu sync.Mutex
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

func WithPrefix(p string) QueueOption            { return func(q *Queue) { q.keys = newKeyspace(p) } }
func WithRetryCeiling(n int) QueueOption         { return func(q *Queue) { q.ceiling = n } }
func WithClock(now func() time.Time) QueueOption { return func(q *Queue) { q.now = now } }

// NewQueue creates a queue over client.
func NewQueue(client *redis.Client, opts ...QueueOption) *Queue {
	q := &Queue{
		client:  client,
		keys:    newKeyspace(DefaultPrefix),
		ceiling: DefaultRetryCeiling,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.ceiling < 1 {
		q.ceiling = 1
	}
	return q
}

// RetryCeiling returns the configured attempt ceiling.
func (q *Queue) RetryCeiling() int { return q.ceiling }

// Enqueue stores task and appends it to the pending tail. It reports false
// without changes when the task is already pending or in flight, and rejects
// tasks that are done or dead-lettered.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) (bool, error) {
	if err := task.Validate(); err != nil {
		return false, err
	}
	now := q.now().UnixMilli()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.pending(), q.keys.task(task.ID)},
		task.ID, task.Kind, task.Target, string(task.Payload), now,
	).Int()
	if err != nil {
		return false, storeErr("enqueue", err)
	}
	switch res {
	case codeOK:
		return true, nil
	case codeTerminal:
		return false, &domain.InvalidTaskError{TaskID: task.ID, Reason: "already done or dead-lettered"}
	default:
		return false, nil
	}
}

// Get returns the stored record for id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Task, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.task(id)).Result()
	if err != nil {
		return nil, storeErr("get", err)
	}
	if len(fields) == 0 {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return decodeTask(fields), nil
}

// Stats counts every partition in one round trip.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.keys.pending())
	inflight := pipe.ZCard(ctx, q.keys.inflight())
	done := pipe.SCard(ctx, q.keys.done())
	dead := pipe.ZCard(ctx, q.keys.dead())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, storeErr("stats", err)
	}
	return Stats{
		Pending:  pending.Val(),
		InFlight: inflight.Val(),
		Done:     done.Val(),
		Dead:     dead.Val(),
	}, nil
}

// List returns up to limit records currently in the given partition. Pending
// and in-flight are returned in service order, dead letters newest first.
func (q *Queue) List(ctx context.Context, status domain.Status, limit int64) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		ids []string
		err error
	)
	switch status {
	case domain.StatusPending:
		ids, err = q.client.LRange(ctx, q.keys.pending(), 0, limit-1).Result()
	case domain.StatusInFlight:
		ids, err = q.client.ZRange(ctx, q.keys.inflight(), 0, limit-1).Result()
	case domain.StatusDead:
		ids, err = q.client.ZRevRange(ctx, q.keys.dead(), 0, limit-1).Result()
	case domain.StatusDone:
		ids, _, err = q.client.SScan(ctx, q.keys.done(), 0, "", limit).Result()
		if int64(len(ids)) > limit {
			ids = ids[:limit]
		}
	default:
		return nil, fmt.Errorf("list: unsupported status %q", status)
	}
	if err != nil {
		return nil, storeErr("list", err)
	}
	return q.load(ctx, ids)
}

func (q *Queue) load(ctx context.Context, ids []string) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.keys.task(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("load records", err)
	}
	tasks := make([]*domain.Task, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			tasks = append(tasks, &domain.Task{ID: ids[i]})
			continue
		}
		tasks = append(tasks, decodeTask(fields))
	}
	return tasks, nil
}

// Writer returns a mutator fenced by the lease token. Every call fails with
// LeaseLostError once token stops being the current lease value.
func (q *Queue) Writer(token string) *Writer {
	return &Writer{q: q, token: token}
}

// Writer issues fenced queue mutations on behalf of one lease holder.
type Writer struct {
	q     *Queue
	token string
}

// Token returns the lease token this writer is fenced by.
func (w *Writer) Token() string { return w.token }

// Claim pops up to batch tasks from the pending head and marks them in flight
// until now+ttl.
func (w *Writer) Claim(ctx context.Context, batch int, ttl time.Duration) ([]*domain.Task, error) {
	if batch <= 0 {
		return nil, nil
	}
	w.q.mu.Lock()
	defer w.q.mu.Unlock()

	now := w.q.now()
	reply, err := claimScript.Run(ctx, w.q.client,
		[]string{w.q.keys.lease(), w.q.keys.pending(), w.q.keys.inflight()},
		w.token, batch, now.UnixMilli(), now.Add(ttl).UnixMilli(), w.q.keys.taskPrefix(),
	).Slice()
	if err != nil {
		return nil, storeErr("claim", err)
	}
	ids, err := w.idsFrom(reply)
	if err != nil {
		return nil, err
	}
	return w.q.load(ctx, ids)
}

// Complete moves id from in flight to done.
func (w *Writer) Complete(ctx context.Context, id string) error {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()

	res, err := completeScript.Run(ctx, w.q.client,
		[]string{w.q.keys.lease(), w.q.keys.inflight(), w.q.keys.done(), w.q.keys.task(id)},
		w.token, id, w.q.now().UnixMilli(),
	).Int()
	if err != nil {
		return storeErr("complete", err)
	}
	return w.check(res, id)
}

// Fail records a failed attempt. The task returns to the pending tail while
// attempts stay under the ceiling, otherwise it is dead-lettered. A permanent
// cause dead-letters on the first failure. The returned status is where the
// task ended up.
func (w *Writer) Fail(ctx context.Context, id string, cause error) (domain.Status, error) {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	permanent := "0"
	if domain.IsPermanent(cause) {
		permanent = "1"
	}
	res, err := failScript.Run(ctx, w.q.client,
		[]string{w.q.keys.lease(), w.q.keys.inflight(), w.q.keys.pending(), w.q.keys.dead(), w.q.keys.task(id)},
		w.token, id, msg, w.q.now().UnixMilli(), w.q.ceiling, permanent,
	).Int()
	if err != nil {
		return "", storeErr("fail", err)
	}
	if res == codeDead {
		return domain.StatusDead, nil
	}
	if err := w.check(res, id); err != nil {
		return "", err
	}
	return domain.StatusPending, nil
}

// Defer returns an in-flight task to the pending tail without counting an attempt.
func (w *Writer) Defer(ctx context.Context, id string) error {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()

	res, err := deferScript.Run(ctx, w.q.client,
		[]string{w.q.keys.lease(), w.q.keys.inflight(), w.q.keys.pending(), w.q.keys.task(id)},
		w.token, id, w.q.now().UnixMilli(),
	).Int()
	if err != nil {
		return storeErr("defer", err)
	}
	return w.check(res, id)
}

// SweepExpired requeues every in-flight claim whose deadline has passed and
// returns their IDs in the order they will be served.
func (w *Writer) SweepExpired(ctx context.Context) ([]string, error) {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()

	reply, err := sweepScript.Run(ctx, w.q.client,
		[]string{w.q.keys.lease(), w.q.keys.inflight(), w.q.keys.pending()},
		w.token, w.q.now().UnixMilli(), w.q.keys.taskPrefix(),
	).Slice()
	if err != nil {
		return nil, storeErr("sweep", err)
	}
	ids, err := w.idsFrom(reply)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// RequeueDead moves a dead-lettered task back to pending with a fresh attempt budget.
func (w *Writer) RequeueDead(ctx context.Context, id string) error {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()

	res, err := requeueDeadScript.Run(ctx, w.q.client,
		[]string{w.q.keys.lease(), w.q.keys.dead(), w.q.keys.pending(), w.q.keys.task(id)},
		w.token, id, w.q.now().UnixMilli(),
	).Int()
	if err != nil {
		return storeErr("requeue dead", err)
	}
	if res == codeNotInState {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	return w.check(res, id)
}

func (w *Writer) check(res int, id string) error {
	switch res {
	case codeOK:
		return nil
	case codeLeaseLost:
		return &domain.LeaseLostError{Token: w.token, Reason: "lease not held at store"}
	case codeNotInState:
		return &domain.UnknownTaskError{TaskID: id}
	default:
		return fmt.Errorf("unexpected script reply %d for %s", res, id)
	}
}

func (w *Writer) idsFrom(reply []any) ([]string, error) {
	if len(reply) == 0 {
		return nil, errors.New("empty script reply")
	}
	code, ok := reply[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply header %T", reply[0])
	}
	if code == codeLeaseLost {
		return nil, &domain.LeaseLostError{Token: w.token, Reason: "lease not held at store"}
	}
	ids := make([]string, 0, len(reply)-1)
	for _, v := range reply[1:] {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

func decodeTask(f map[string]string) *domain.Task {
	t := &domain.Task{
		ID:        f["id"],
		Kind:      f["kind"],
		Target:    f["target"],
		Status:    domain.Status(f["status"]),
		LastError: f["last_error"],
	}
	if p := f["payload"]; p != "" {
		t.Payload = json.RawMessage(p)
	}
	t.Attempts, _ = strconv.Atoi(f["attempts"])
	t.Reclaims, _ = strconv.Atoi(f["reclaims"])
	t.EnqueuedAt = millis(f["enqueued_at"])
	t.UpdatedAt = millis(f["updated_at"])
	if ts := millis(f["claimed_at"]); !ts.IsZero() {
		t.ClaimedAt = &ts
	}
	if ts := millis(f["completed_at"]); !ts.IsZero() {
		t.CompletedAt = &ts
	}
	return t
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
