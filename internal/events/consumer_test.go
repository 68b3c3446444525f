package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/mirqtio/quotaguard/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSubscriber struct {
	exceededChan chan *message.Message
	degradedChan chan *message.Message
	subscribeErr error
	closeErr     error
	mu           sync.Mutex
	closed       bool
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{
		exceededChan: make(chan *message.Message, 10),
		degradedChan: make(chan *message.Message, 10),
	}
}

func (m *mockSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	switch topic {
	case events.TopicLimitExceeded:
		return m.exceededChan, nil
	case events.TopicDegradedAllow:
		return m.degradedChan, nil
	default:
		return nil, errors.New("unknown topic")
	}
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.exceededChan)
		close(m.degradedChan)
	}

	return m.closeErr
}

type mockEventStore struct {
	exceeded []*events.DecisionEvent
	degraded []*events.DecisionEvent
	saveErr  error
	mu       sync.Mutex
}

func (m *mockEventStore) SaveLimitExceeded(_ context.Context, event *events.DecisionEvent) error {
	if m.saveErr != nil {
		return m.saveErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.exceeded = append(m.exceeded, event)

	return nil
}

func (m *mockEventStore) SaveDegradedAllow(_ context.Context, event *events.DecisionEvent) error {
	if m.saveErr != nil {
		return m.saveErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.degraded = append(m.degraded, event)

	return nil
}

func newDecisionMessage(t *testing.T, event *events.DecisionEvent) *message.Message {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	return message.NewMessage(uuid.NewString(), payload)
}

func waitAcked(t *testing.T, msg *message.Message) {
	t.Helper()

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		t.Fatal("message was nacked")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ack")
	}
}

func waitNacked(t *testing.T, msg *message.Message) {
	t.Helper()

	select {
	case <-msg.Nacked():
	case <-msg.Acked():
		t.Fatal("message should have been nacked")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for nack")
	}
}

func TestConsumer_Start(t *testing.T) {
	t.Run("starts successfully", func(t *testing.T) {
		consumer := events.NewConsumer(newMockSubscriber(), &mockEventStore{}, zap.NewNop())

		err := consumer.Start(context.Background())

		require.NoError(t, err)

		_ = consumer.Shutdown()
	})

	t.Run("returns error when subscription fails", func(t *testing.T) {
		sub := &mockSubscriber{subscribeErr: errors.New("subscribe error")}
		consumer := events.NewConsumer(sub, &mockEventStore{}, zap.NewNop())

		err := consumer.Start(context.Background())

		assert.Error(t, err)
	})
}

func TestConsumer_Process(t *testing.T) {
	t.Run("saves exceeded events", func(t *testing.T) {
		sub := newMockSubscriber()
		store := &mockEventStore{}
		consumer := events.NewConsumer(sub, store, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		msg := newDecisionMessage(t, &events.DecisionEvent{Key: "client1", Limit: 5})
		sub.exceededChan <- msg

		waitAcked(t, msg)

		store.mu.Lock()
		defer store.mu.Unlock()

		require.Len(t, store.exceeded, 1)
		assert.Equal(t, "client1", store.exceeded[0].Key)
		assert.Empty(t, store.degraded)

		_ = consumer.Shutdown()
	})

	t.Run("saves degraded events", func(t *testing.T) {
		sub := newMockSubscriber()
		store := &mockEventStore{}
		consumer := events.NewConsumer(sub, store, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		msg := newDecisionMessage(t, &events.DecisionEvent{Key: "client1", Degraded: true})
		sub.degradedChan <- msg

		waitAcked(t, msg)

		store.mu.Lock()
		defer store.mu.Unlock()

		require.Len(t, store.degraded, 1)
		assert.True(t, store.degraded[0].Degraded)

		_ = consumer.Shutdown()
	})

	t.Run("nacks on unmarshal error", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := events.NewConsumer(sub, &mockEventStore{}, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		msg := message.NewMessage(uuid.NewString(), []byte("invalid json"))
		sub.exceededChan <- msg

		waitNacked(t, msg)

		_ = consumer.Shutdown()
	})

	t.Run("nacks on store error", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := events.NewConsumer(sub, &mockEventStore{saveErr: errors.New("store error")}, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		msg := newDecisionMessage(t, &events.DecisionEvent{Key: "client1"})
		sub.exceededChan <- msg

		waitNacked(t, msg)

		_ = consumer.Shutdown()
	})
}

func TestConsumer_Shutdown(t *testing.T) {
	sub := newMockSubscriber()
	consumer := events.NewConsumer(sub, &mockEventStore{}, zap.NewNop())

	require.NoError(t, consumer.Start(context.Background()))
	require.NoError(t, consumer.Shutdown())

	sub.mu.Lock()
	defer sub.mu.Unlock()

	assert.True(t, sub.closed)
}
