package seeder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soheilrt/play-scraper/internal/domain"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeQueue struct {
	mu   sync.Mutex
	seen map[string]bool
	done map[string]bool
	err  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: map[string]bool{}, done: map[string]bool{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, task *domain.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	if q.done[task.ID] {
		return false, &domain.InvalidTaskError{TaskID: task.ID, Reason: "already done or dead-lettered"}
	}
	if q.seen[task.ID] {
		return false, nil
	}
	q.seen[task.ID] = true
	return true, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}

const seedDoc = `
seeds:
  - kind: details
    target: com.example.a
  - kind: developer
    target: Example Games
    payload:
      url: https://example.com/dev
`

func writeSeedFile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestParseSeeds(t *testing.T) {
	tasks, err := ParseSeeds(strings.NewReader(seedDoc))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "details:com.example.a", tasks[0].ID)
	assert.Empty(t, tasks[0].Payload)
	assert.Equal(t, "developer:Example Games", tasks[1].ID)
	assert.JSONEq(t, `{"url":"https://example.com/dev"}`, string(tasks[1].Payload))
}

func TestParseSeeds_Errors(t *testing.T) {
	_, err := ParseSeeds(strings.NewReader("seeds:\n  - kind: BAD\n    target: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed 0")

	_, err = ParseSeeds(strings.NewReader("seeds:\n  - kind: details\n    taget: x\n"))
	require.Error(t, err, "unknown fields are rejected")

	tasks, err := ParseSeeds(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestEnqueueAll_Report(t *testing.T) {
	q := newFakeQueue()
	q.done["details:com.example.a"] = true
	tasks, err := ParseSeeds(strings.NewReader(seedDoc))
	require.NoError(t, err)

	rep, err := EnqueueAll(context.Background(), q, tasks)
	require.NoError(t, err)
	assert.Equal(t, Report{Added: 1, Rejected: 1}, rep)

	rep, err = EnqueueAll(context.Background(), q, tasks)
	require.NoError(t, err)
	assert.Equal(t, Report{Existing: 1, Rejected: 1}, rep)

	q.err = &domain.StoreUnavailableError{Op: "enqueue", Err: errors.New("down")}
	_, err = EnqueueAll(context.Background(), q, tasks)
	require.Error(t, err)
}

func TestSeeder_RunSeedsImmediately(t *testing.T) {
	q := newFakeQueue()
	s := NewSeeder(q, writeSeedFile(t, seedDoc), "@every 1h", discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return q.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("seeder did not stop")
	}
}

func TestSeeder_BadSchedule(t *testing.T) {
	s := NewSeeder(newFakeQueue(), writeSeedFile(t, seedDoc), "not a schedule", discardLogger)
	require.Error(t, s.Run(context.Background()))
}

func TestSeeder_MissingFile(t *testing.T) {
	s := NewSeeder(newFakeQueue(), filepath.Join(t.TempDir(), "nope.yaml"), "@every 1h", discardLogger)
	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
}
