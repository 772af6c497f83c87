package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tphummel/building_energy/internal/config"
	"github.com/tphummel/building_energy/internal/models"
)

// messageWriter is the subset of kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event to a single topic keyed by device id, so
// actions on one device stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafka returns a publisher for the configured brokers and topic. The
// writer connects lazily on the first publish. Each publish is a single
// message, so batches are flushed almost immediately.
func NewKafka(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev models.Event) error {
	value, err := encode(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(ev.DeviceID), Value: value, Time: ev.CreatedAt}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing kafka message: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
