//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/internal/kafka"
)

func startBroker(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

// createTopic creates topic up front; auto-creation races the first write.
func createTopic(t *testing.T, brokers []string, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func TestIntegration_ResultPublisher(t *testing.T) {
	brokers := startBroker(t)
	topic := fmt.Sprintf("results-%d", time.Now().UnixNano())
	createTopic(t, brokers, topic)

	pub := kafka.NewResultPublisher(brokers, topic)
	t.Cleanup(func() { _ = pub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pub.Publish(ctx, &kafka.ResultEvent{
		TaskID:  "details:com.example.a",
		Kind:    "details",
		Outcome: domain.OutcomeDone,
		Attempt: 1,
		At:      time.Now().UTC(),
	}))

	r := kafkago.NewReader(kafkago.ReaderConfig{Brokers: brokers, Topic: topic, StartOffset: kafkago.FirstOffset})
	t.Cleanup(func() { _ = r.Close() })
	m, err := r.ReadMessage(ctx)
	require.NoError(t, err)

	assert.Equal(t, "details:com.example.a", string(m.Key))
	var ev kafka.ResultEvent
	require.NoError(t, json.Unmarshal(m.Value, &ev))
	assert.Equal(t, domain.OutcomeDone, ev.Outcome)
}

func TestIntegration_SeedConsumer(t *testing.T) {
	brokers := startBroker(t)
	topic := fmt.Sprintf("seeds-%d", time.Now().UnixNano())
	createTopic(t, brokers, topic)

	w := &kafkago.Writer{Addr: kafkago.TCP(brokers...), Topic: topic}
	t.Cleanup(func() { _ = w.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, w.WriteMessages(ctx,
		kafkago.Message{Value: []byte(`not json`)},
		kafkago.Message{Value: []byte(`{"kind":"details","target":"com.example.seed"}`)},
	))

	consumer := kafka.NewSeedConsumer(brokers, topic, "it-"+topic, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = consumer.Close() })

	got := make(chan *domain.Task, 1)
	go func() {
		_ = consumer.Run(ctx, func(_ context.Context, task *domain.Task) error {
			got <- task
			cancel()
			return nil
		})
	}()

	select {
	case task := <-got:
		assert.Equal(t, "details:com.example.seed", task.ID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for seed")
	}
}
