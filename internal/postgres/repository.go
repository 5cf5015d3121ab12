package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/internal/postgres/migrations"
)

// ExecutionLog keeps the attempt history of tasks.
type ExecutionLog interface {
	RecordExecution(ctx context.Context, exec *domain.TaskExecution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*domain.TaskExecution, error)
}

// DB is the subset of *pgxpool.Pool the log needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type repository struct {
	db DB
}

// NewExecutionLog wraps db with the ExecutionLog interface.
func NewExecutionLog(db DB) ExecutionLog {
	return &repository{db: db}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order and returns the applied
// file names. Migrations are idempotent.
func Migrate(ctx context.Context, db DB) ([]string, error) {
	files, err := migrations.Files()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	applied := make([]string, 0, len(files))
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", f, err)
		}
		applied = append(applied, f)
	}
	return applied, nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO task_executions
			(id, task_id, kind, worker_id, attempt, outcome, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		exec.ID, exec.TaskID, exec.Kind, exec.WorkerID, exec.Attempt,
		string(exec.Outcome), exec.DurationMs, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) ListExecutions(ctx context.Context, taskID string, limit int) ([]*domain.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, kind, worker_id, attempt, outcome, duration_ms, error, executed_at
		FROM task_executions
		WHERE task_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var execs []*domain.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// scanExecution reads an execution row from any pgx row type.
func scanExecution(row interface {
	Scan(...any) error
}) (*domain.TaskExecution, error) {
	var (
		exec    domain.TaskExecution
		outcome string
	)
	err := row.Scan(
		&exec.ID, &exec.TaskID, &exec.Kind, &exec.WorkerID, &exec.Attempt,
		&outcome, &exec.DurationMs, &exec.Error, &exec.ExecutedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Outcome = domain.Outcome(outcome)
	return &exec, nil
}

// NopLog discards executions. Used when no database is configured.
type NopLog struct{}

func (NopLog) RecordExecution(context.Context, *domain.TaskExecution) error { return nil }
func (NopLog) ListExecutions(context.Context, string, int) ([]*domain.TaskExecution, error) {
	return nil, nil
}
