package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/internal/kafka"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// sliceSource hands each task to the handler once and records the outcome.
type sliceSource struct {
	tasks []*domain.Task
	errs  []error
}

func (s *sliceSource) Run(ctx context.Context, handle kafka.SeedHandler) error {
	for _, t := range s.tasks {
		s.errs = append(s.errs, handle(ctx, t))
	}
	return nil
}

type fakeQueue struct {
	seen map[string]bool
	done map[string]bool
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, task *domain.Task) (bool, error) {
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

func TestIntake_EnqueuesSeeds(t *testing.T) {
	q := &fakeQueue{seen: map[string]bool{}, done: map[string]bool{"details:old": true}}
	src := &sliceSource{tasks: []*domain.Task{
		domain.NewTask("details", "new", nil),
		domain.NewTask("details", "new", nil),
		domain.NewTask("details", "old", nil),
	}}

	require.NoError(t, NewIntake(src, q, discardLogger).Run(context.Background()))

	assert.Equal(t, []error{nil, nil, nil}, src.errs, "duplicates and finished tasks are committed")
	assert.True(t, q.seen["details:new"])
}

func TestIntake_StoreErrorLeavesSeedUncommitted(t *testing.T) {
	storeErr := &domain.StoreUnavailableError{Op: "enqueue", Err: errors.New("connection refused")}
	q := &fakeQueue{err: storeErr}
	src := &sliceSource{tasks: []*domain.Task{domain.NewTask("details", "x", nil)}}

	require.NoError(t, NewIntake(src, q, discardLogger).Run(context.Background()))

	require.Len(t, src.errs, 1)
	assert.ErrorIs(t, src.errs[0], storeErr)
}
