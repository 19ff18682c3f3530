package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"ms-redemption/internal/logger"
)

// Handler processes one message. A handler error is retried with backoff;
// a message that still fails is dead-lettered, or, without a dead-letter
// publisher, the consumer stops before committing it.
type Handler func(ctx context.Context, msg kafka.Message) error

// DeadLetter is published to <topic>.dlq for messages that exhausted their
// retries.
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failedAt"`
}

func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	topic      string
	log        *logger.Logger
	DeadLetter Publisher

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, topic, log)
}

func newConsumer(reader messageReader, topic string, log *logger.Logger) *Consumer {
	return &Consumer{
		reader:          reader,
		topic:           topic,
		log:             log,
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Start consumes until ctx is cancelled. It returns nil on cancellation and
// an error when a message could neither be handled nor dead-lettered; that
// message stays uncommitted and is redelivered to the group.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	c.log.LogKafka("CONSUME", c.topic, "consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.log.LogKafka("CONSUME", c.topic, "consumer stopped")
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error reading message from %s: %v", c.topic, err))
			continue
		}

		if err := c.handle(ctx, handler, msg); err != nil {
			if ctx.Err() != nil {
				c.log.LogKafka("CONSUME", c.topic, "consumer stopped")
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("KAFKA", fmt.Sprintf("Failed to commit %s offset %d: %v", c.topic, msg.Offset, err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler Handler, msg kafka.Message) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = 0

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := handler(ctx, msg)
		if err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Handler failed for %s offset %d (attempt %d/%d): %v", c.topic, msg.Offset, attempt, attempts, err))
		}
		return err
	}, policy)
	if err == nil || ctx.Err() != nil {
		return err
	}

	if c.DeadLetter == nil {
		return fmt.Errorf("handle %s offset %d: %w", c.topic, msg.Offset, err)
	}
	letter := DeadLetter{
		Topic:     c.topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Error:     err.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if dlqErr := c.DeadLetter.Publish(ctx, DeadLetterTopic(c.topic), string(msg.Key), letter); dlqErr != nil {
		return fmt.Errorf("dead-letter %s offset %d: %w", c.topic, msg.Offset, dlqErr)
	}
	c.log.Error("KAFKA", fmt.Sprintf("Dead-lettered %s offset %d after %d attempts: %v", c.topic, msg.Offset, attempts, err))
	return nil
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
