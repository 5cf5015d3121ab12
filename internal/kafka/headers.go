package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

const contentTypeHeader = "content-type"

// headerCarrier lets the OpenTelemetry propagator read and write Kafka
// message headers.
type headerCarrier []segkafka.Header

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any existing header with the same key.
func (c *headerCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// outgoingHeaders carries the active trace context plus the JSON content type.
func outgoingHeaders(ctx context.Context) []segkafka.Header {
	c := headerCarrier{{Key: contentTypeHeader, Value: []byte("application/json")}}
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

// incomingContext continues the trace a producer injected into headers.
func incomingContext(ctx context.Context, headers []segkafka.Header) context.Context {
	c := headerCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
