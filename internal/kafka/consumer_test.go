package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-redemption/internal/logger"
)

// fakeReader hands out msgs in order, then cancels the consumer context.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	args := m.Called(ctx, topic, key, payload)
	return args.Error(0)
}

func newTestConsumer(msgs ...kafka.Message) (*Consumer, *fakeReader, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{msgs: msgs, cancel: cancel}
	c := newConsumer(reader, TopicTokenMinted, logger.NewNopLogger())
	c.MaxAttempts = 3
	c.InitialInterval = time.Millisecond
	c.MaxInterval = 2 * time.Millisecond
	return c, reader, ctx
}

func messages(offsets ...int64) []kafka.Message {
	out := make([]kafka.Message, len(offsets))
	for i, o := range offsets {
		out[i] = kafka.Message{Topic: TopicTokenMinted, Offset: o, Key: []byte("BK1"), Value: []byte(`{}`)}
	}
	return out
}

func TestConsumer_RetriesFailingHandler(t *testing.T) {
	c, reader, ctx := newTestConsumer(messages(10, 11)...)

	calls := map[int64]int{}
	err := c.Start(ctx, func(_ context.Context, msg kafka.Message) error {
		calls[msg.Offset]++
		if msg.Offset == 10 && calls[10] < 3 {
			return errors.New("smtp down")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls[10])
	assert.Equal(t, 1, calls[11])
	assert.Equal(t, []int64{10, 11}, reader.committed)
}

func TestConsumer_StopsWithoutCommittingWhenRetriesExhausted(t *testing.T) {
	c, reader, ctx := newTestConsumer(messages(10, 11)...)

	calls := map[int64]int{}
	err := c.Start(ctx, func(_ context.Context, msg kafka.Message) error {
		calls[msg.Offset]++
		if msg.Offset == 10 {
			return errors.New("smtp down")
		}
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls[10])
	// the later message is never handled, so committing it cannot skip offset 10
	assert.Zero(t, calls[11])
	assert.Empty(t, reader.committed)
}

func TestConsumer_DeadLettersExhaustedMessage(t *testing.T) {
	c, reader, ctx := newTestConsumer(messages(10, 11)...)
	dlq := new(MockPublisher)
	dlq.On("Publish", mock.Anything, "booking.token.minted.dlq", "BK1", mock.MatchedBy(func(l DeadLetter) bool {
		return l.Offset == 10 && l.Topic == TopicTokenMinted && l.Error == "smtp down"
	})).Return(nil).Once()
	c.DeadLetter = dlq

	err := c.Start(ctx, func(_ context.Context, msg kafka.Message) error {
		if msg.Offset == 10 {
			return errors.New("smtp down")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, reader.committed)
	dlq.AssertExpectations(t)
}

func TestConsumer_DeadLetterFailureStops(t *testing.T) {
	c, reader, ctx := newTestConsumer(messages(10)...)
	dlq := new(MockPublisher)
	dlq.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))
	c.DeadLetter = dlq

	err := c.Start(ctx, func(context.Context, kafka.Message) error { return errors.New("smtp down") })

	assert.ErrorContains(t, err, "dead-letter")
	assert.Empty(t, reader.committed)
}
