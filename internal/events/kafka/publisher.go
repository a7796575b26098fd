// Package kafka provides a Kafka-backed event publisher.
package kafka

import (
	"context"
	"encoding/json"

	apperrors "github.com/balance-ledger/internal/errors"
	"github.com/balance-ledger/internal/events"
	"github.com/segmentio/kafka-go"
)

// Publisher publishes snapshot lifecycle events to a single Kafka topic,
// keyed by the event name so consumers can partition by kind.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher writing to the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish serializes the event as JSON and writes it with the event
// name as the message key.
func (p *Publisher) Publish(name string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return apperrors.NewPublishError(name, err)
	}

	err = p.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(name),
		Value: data,
	})
	if err != nil {
		return apperrors.NewPublishError(name, err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ events.Publisher = (*Publisher)(nil)
