// Package intake turns seed messages from Kafka into queued tasks.
package intake

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/internal/kafka"
	"github.com/soheilrt/play-scraper/pkg/telemetry"
)

// Enqueuer is the queue's public insert operation.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *domain.Task) (bool, error)
}

// Source delivers seeds to a handler until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, handle kafka.SeedHandler) error
}

// Intake consumes seeds and enqueues them. It needs no lease: Enqueue is
// idempotent and safe from any instance.
type Intake struct {
	source Source
	queue  Enqueuer
	logger *slog.Logger
}

func NewIntake(source Source, queue Enqueuer, logger *slog.Logger) *Intake {
	return &Intake{source: source, queue: queue, logger: logger.With(slog.String("component", "intake"))}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (i *Intake) Run(ctx context.Context) error {
	return i.source.Run(ctx, i.handle)
}

func (i *Intake) handle(ctx context.Context, task *domain.Task) error {
	ctx, span := telemetry.StartSpan(ctx, "intake.enqueue",
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", task.Kind),
	)
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	added, err := i.queue.Enqueue(ctx, task)
	var invalid *domain.InvalidTaskError
	switch {
	case errors.As(err, &invalid):
		// Finished or dead-lettered already; redelivering will not change that.
		telemetry.IntakeSeedsConsumed.WithLabelValues("rejected").Inc()
		i.logger.Info("seed rejected", slog.String("task_id", task.ID), slog.String("reason", invalid.Reason))
		return nil
	case err != nil:
		spanErr = err
		telemetry.IntakeSeedsConsumed.WithLabelValues("error").Inc()
		return err
	case added:
		telemetry.IntakeSeedsConsumed.WithLabelValues("enqueued").Inc()
		telemetry.TasksEnqueued.WithLabelValues(task.Kind, "kafka").Inc()
		i.logger.Info("seed enqueued", slog.String("task_id", task.ID))
	default:
		telemetry.IntakeSeedsConsumed.WithLabelValues("duplicate").Inc()
		i.logger.Debug("seed already queued", slog.String("task_id", task.ID))
	}
	return nil
}
