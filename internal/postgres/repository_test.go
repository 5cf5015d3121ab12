package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soheilrt/play-scraper/internal/domain"
)

func TestRecordExecution_InsertsRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	exec := &domain.TaskExecution{
		ID:         "3f1c8a52-6d2e-4b8f-9c4a-1e2d3c4b5a69",
		TaskID:     "details:com.example",
		Kind:       "details",
		WorkerID:   "worker-1",
		Attempt:    2,
		Outcome:    domain.OutcomeRetry,
		DurationMs: 120,
		Error:      "status 503",
		ExecutedAt: now,
	}

	mock.ExpectExec("INSERT INTO task_executions").
		WithArgs(exec.ID, exec.TaskID, exec.Kind, exec.WorkerID, exec.Attempt,
			"retry", exec.DurationMs, exec.Error, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewExecutionLog(mock).RecordExecution(context.Background(), exec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordExecution_FillsIDAndTime(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO task_executions").
		WithArgs(pgxmock.AnyArg(), "details:a", "details", "w", 1, "done", int64(0), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	exec := &domain.TaskExecution{TaskID: "details:a", Kind: "details", WorkerID: "w", Attempt: 1, Outcome: domain.OutcomeDone}
	require.NoError(t, NewExecutionLog(mock).RecordExecution(context.Background(), exec))
	assert.NotEmpty(t, exec.ID)
	assert.False(t, exec.ExecutedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordExecution_WrapsError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO task_executions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	err = NewExecutionLog(mock).RecordExecution(context.Background(), &domain.TaskExecution{TaskID: "details:a"})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "details:a")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListExecutions_ScansRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"id", "task_id", "kind", "worker_id", "attempt", "outcome", "duration_ms", "error", "executed_at"}).
		AddRow("e2", "details:a", "details", "w", 2, "done", int64(80), "", now).
		AddRow("e1", "details:a", "details", "w", 1, "retry", int64(95), "status 503", now.Add(-time.Minute))
	mock.ExpectQuery("SELECT id, task_id").WithArgs("details:a", 20).WillReturnRows(rows)

	execs, err := NewExecutionLog(mock).ListExecutions(context.Background(), "details:a", 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, domain.OutcomeDone, execs[0].Outcome)
	assert.Equal(t, "status 503", execs[1].Error)
	assert.Equal(t, 1, execs[1].Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AppliesInOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_executions").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS task_executions_outcome_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	applied, err := Migrate(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_create_task_executions.sql", "002_index_outcome.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNopLog(t *testing.T) {
	var log ExecutionLog = NopLog{}
	require.NoError(t, log.RecordExecution(context.Background(), &domain.TaskExecution{}))
	execs, err := log.ListExecutions(context.Background(), "x", 1)
	require.NoError(t, err)
	assert.Empty(t, execs)
}
