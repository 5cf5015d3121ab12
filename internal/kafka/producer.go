package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soheilrt/play-scraper/internal/domain"
)

// ResultEvent announces that a task attempt finished.
type ResultEvent struct {
	TaskID   string         `json:"task_id"`
	Kind     string         `json:"kind"`
	Target   string         `json:"target"`
	Outcome  domain.Outcome `json:"outcome"`
	Attempt  int            `json:"attempt"`
	WorkerID string         `json:"worker_id"`
	Error    string         `json:"error,omitempty"`
	Result   *domain.Result `json:"result,omitempty"`
	At       time.Time      `json:"at"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ResultPublisher emits ResultEvents keyed by task ID.
type ResultPublisher struct {
	writer messageWriter
	topic  string
}

// NewResultPublisher creates a publisher for topic on brokers.
func NewResultPublisher(brokers []string, topic string) *ResultPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // same task, same partition
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,

		AllowAutoTopicCreation: true,
	}
	return &ResultPublisher{writer: w, topic: topic}
}

// Publish writes ev to the results topic.
func (p *ResultPublisher) Publish(ctx context.Context, ev *ResultEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal result event %s: %w", ev.TaskID, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(ev.TaskID),
		Value:   value,
		Headers: outgoingHeaders(ctx),
		Time:    ev.At,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *ResultPublisher) Close() error {
	return p.writer.Close()
}
