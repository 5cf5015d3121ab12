package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/pkg/retry"
)

// Seed is the wire form of a task submitted on the seeds topic.
type Seed struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeSeed parses a seed message into a pending task.
func DecodeSeed(value []byte) (*domain.Task, error) {
	var s Seed
	if err := json.Unmarshal(value, &s); err != nil {
		return nil, &domain.InvalidTaskError{Reason: fmt.Sprintf("malformed seed: %v", err)}
	}
	task := domain.NewTask(s.Kind, s.Target, s.Payload)
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// SeedHandler processes one decoded seed. Returning an error leaves the
// message uncommitted.
type SeedHandler func(ctx context.Context, task *domain.Task) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SeedConsumer reads seeds from a Kafka topic with at-least-once delivery.
type SeedConsumer struct {
	reader messageReader
	logger *slog.Logger
	retry  retry.Config
}

// NewSeedConsumer creates a consumer for topic in consumer group groupID.
func NewSeedConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *SeedConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	return newSeedConsumer(r, logger)
}

func newSeedConsumer(r messageReader, logger *slog.Logger) *SeedConsumer {
	return &SeedConsumer{
		reader: r,
		logger: logger.With(slog.String("component", "seed-consumer")),
		retry:  retry.Config{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// Run consumes until ctx is cancelled. Malformed seeds are logged and
// committed so they cannot wedge the partition; handler failures are retried
// with backoff and, if they persist, left uncommitted for redelivery.
func (c *SeedConsumer) Run(ctx context.Context, handle SeedHandler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		log := c.logger.With(slog.String("topic", m.Topic), slog.Int64("offset", m.Offset))

		task, err := DecodeSeed(m.Value)
		if err != nil {
			log.Warn("dropping invalid seed", slog.String("error", err.Error()))
			c.commit(ctx, m, log)
			continue
		}

		msgCtx := incomingContext(ctx, m.Headers)
		if err := retry.Do(msgCtx, c.retry, func() error { return handle(msgCtx, task) }); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("seed handler failed, skipping commit",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.commit(ctx, m, log)
	}
}

func (c *SeedConsumer) commit(ctx context.Context, m kafka.Message, log *slog.Logger) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Error("failed to commit kafka offset", slog.String("error", err.Error()))
	}
}

func (c *SeedConsumer) Close() error {
	return c.reader.Close()
}
