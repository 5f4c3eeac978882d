package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsready/internal/config"
	"nsready/internal/logging"
	"nsready/internal/model"
	"nsready/internal/queue"
	"nsready/internal/queue/queuetest"
)

func sampleMessage() model.QueuedMessage {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.NewQueuedMessage("trace-1", model.NormalizedEvent{
		ProjectID:       "11111111-1111-4111-8111-111111111111",
		SiteID:          "22222222-2222-4222-8222-222222222222",
		DeviceID:        "33333333-3333-4333-8333-333333333333",
		Protocol:        "HTTP",
		SourceTimestamp: &ts,
		Metrics:         []model.Metric{{ParameterKey: "temp", Value: model.Float(21.5)}},
	})
}

func newClient(t *testing.T) (*queue.Client, *queuetest.Backend) {
	t.Helper()
	b := queuetest.New()
	c := queue.NewWithBackend(b, "ingress.events", logging.Discard())
	return c, b
}

func TestPublishBeforeConnect(t *testing.T) {
	c, b := newClient(t)
	err := c.Publish(context.Background(), sampleMessage())
	require.ErrorIs(t, err, queue.ErrNotConnected)
	assert.Empty(t, b.Published())
	assert.Equal(t, int64(0), c.QueueDepth(context.Background()))
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	c, b := newClient(t)
	b.ConnectErr = []error{errors.New("refused"), errors.New("refused")}
	require.NoError(t, c.Connect(context.Background(), 5, time.Millisecond))
	assert.True(t, c.IsConnected())
	assert.Equal(t, 3, b.Connects)
}

func TestConnectGivesUp(t *testing.T) {
	c, b := newClient(t)
	b.ConnectErr = []error{errors.New("a"), errors.New("b"), errors.New("c")}
	err := c.Connect(context.Background(), 2, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")
	assert.False(t, c.IsConnected())
	assert.Equal(t, 2, b.Connects)
}

func TestPublishWritesEnvelope(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	require.NoError(t, c.Publish(context.Background(), sampleMessage()))

	published := b.Published()
	require.Len(t, published, 1)
	var got model.QueuedMessage
	require.NoError(t, json.Unmarshal(published[0], &got))
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Equal(t, model.UnknownConfigVersion, got.ConfigVersion)
	assert.Equal(t, "temp", got.Event.Metrics[0].ParameterKey)
	assert.Equal(t, int64(1), c.QueueDepth(context.Background()))
}

func TestPublishBrokerError(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	b.PublishErr = errors.New("broker down")
	err := c.Publish(context.Background(), sampleMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestQueueDepthErrorIsZero(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	require.NoError(t, c.Publish(context.Background(), sampleMessage()))
	b.DepthErr = errors.New("metadata unavailable")
	assert.Equal(t, int64(0), c.QueueDepth(context.Background()))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, _ := newClient(t)
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	require.ErrorIs(t, c.Publish(context.Background(), sampleMessage()), queue.ErrNotConnected)
}

func TestSubscribeAcksHandledMessages(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 3)
	sub, err := c.Subscribe(context.Background(), queue.SubscribeOptions{Concurrency: 2, RetryDelay: time.Millisecond}, func(_ context.Context, msg queue.Message) error {
		mu.Lock()
		seen = append(seen, msg.ID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Publish(context.Background(), sampleMessage()))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	sub.Close()
	assert.Len(t, seen, 3)
	assert.Len(t, b.Acked(), 3)
	assert.Equal(t, 0, b.Pending())
}

func TestSubscribeRedeliversUntilHandled(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	b.Inject("dev", []byte(`{}`))

	var calls atomic.Int32
	handled := make(chan struct{})
	sub, err := c.Subscribe(context.Background(), queue.SubscribeOptions{RetryDelay: time.Millisecond, MaxBackoff: 4 * time.Millisecond}, func(context.Context, queue.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("database unavailable")
		}
		close(handled)
		return nil
	})
	require.NoError(t, err)
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
	sub.Close()
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, b.Acked(), 1)
}

func TestCloseLeavesFailingMessageQueued(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	b.Inject("dev", []byte(`{}`))

	attempted := make(chan struct{}, 1)
	sub, err := c.Subscribe(context.Background(), queue.SubscribeOptions{RetryDelay: time.Hour}, func(context.Context, queue.Message) error {
		select {
		case attempted <- struct{}{}:
		default:
		}
		return errors.New("database unavailable")
	})
	require.NoError(t, err)
	<-attempted
	sub.Close()
	assert.Empty(t, b.Acked())
	assert.Equal(t, 1, b.Pending())
}

func TestCloseWaitsForInFlightHandler(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	b.Inject("dev", []byte(`{}`))

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	sub, err := c.Subscribe(context.Background(), queue.SubscribeOptions{}, func(ctx context.Context, _ queue.Message) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	})
	require.NoError(t, err)
	<-started

	closed := make(chan struct{})
	go func() {
		sub.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed
	assert.NoError(t, handlerCtxErr)
	assert.Len(t, b.Acked(), 1)
}

func TestCloseStopsBeforeNextFetch(t *testing.T) {
	c, b := newClient(t)
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	b.Inject("dev", []byte(`{"n":1}`))
	b.Inject("dev", []byte(`{"n":2}`))

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	sub, err := c.Subscribe(context.Background(), queue.SubscribeOptions{}, func(context.Context, queue.Message) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})
	require.NoError(t, err)
	<-started

	closed := make(chan struct{})
	go func() {
		sub.Close()
		close(closed)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-closed

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, b.Acked(), 1)
	assert.Equal(t, 1, b.Pending())
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.Subscribe(context.Background(), queue.SubscribeOptions{}, func(context.Context, queue.Message) error { return nil })
	require.ErrorIs(t, err, queue.ErrNotConnected)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := queue.New(config.QueueConfig{Driver: "nats"}, logging.Discard())
	require.Error(t, err)

	c, err := queue.New(config.QueueConfig{Driver: "redis", Subject: "ingress.events", GroupID: "g"}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "redis", c.Driver())
	assert.Equal(t, "ingress.events", c.Subject())
}
