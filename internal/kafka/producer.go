package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-redemption/internal/logger"
)

// Publisher streams domain events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
}

type Producer struct {
	Writer *kafka.Writer
	Logger *logger.Logger
}

// NewProducer builds a single writer for every topic; the topic travels on
// each message and the key picks the partition.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Producer{Writer: writer, Logger: log}
}

func newMessage(topic, key string, payload interface{}) (kafka.Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}, nil
}

// Publish streams payload as JSON to topic
func (p *Producer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	msg, err := newMessage(topic, key, payload)
	if err != nil {
		return err
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	p.Logger.LogKafka("PUBLISH", topic, fmt.Sprintf("key=%s", key))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

// NopPublisher is used when Kafka is disabled.
type NopPublisher struct {
	Logger *logger.Logger
}

func (n NopPublisher) Publish(_ context.Context, topic, key string, _ interface{}) error {
	if n.Logger != nil {
		n.Logger.Debug("KAFKA", fmt.Sprintf("Kafka disabled, dropping %s event for %s", topic, key))
	}
	return nil
}
