// Package queuetest provides an in-memory queue backend for tests.
package queuetest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"nsready/internal/queue"
)

// Backend is a single-group in-memory topic. Unacked messages return to the
// head of the queue when their consumer closes.
type Backend struct {
	mu         sync.Mutex
	cond       chan struct{}
	seq        int
	ready      []queue.Message
	inflight   map[string]queue.Message
	acked      []queue.Message
	published  [][]byte
	connected  bool
	closed     bool
	ConnectErr []error
	PublishErr error
	DepthErr   error
	Connects   int
}

func New() *Backend {
	return &Backend{cond: make(chan struct{}), inflight: map[string]queue.Message{}}
}

func (b *Backend) Name() string { return "memory" }

// Connect fails with the queued ConnectErr values, in order, before
// succeeding.
func (b *Backend) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Connects++
	if len(b.ConnectErr) > 0 {
		err := b.ConnectErr[0]
		b.ConnectErr = b.ConnectErr[1:]
		return err
	}
	b.connected = true
	b.closed = false
	return nil
}

func (b *Backend) Publish(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	if !b.connected {
		return queue.ErrNotConnected
	}
	b.seq++
	msg := queue.Message{ID: strconv.Itoa(b.seq), Key: key, Value: append([]byte(nil), value...)}
	b.published = append(b.published, msg.Value)
	b.ready = append(b.ready, msg)
	b.signal()
	return nil
}

// Inject queues a raw payload as if a producer had published it.
func (b *Backend) Inject(key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.ready = append(b.ready, queue.Message{ID: strconv.Itoa(b.seq), Key: key, Value: value})
	b.signal()
}

func (b *Backend) signal() {
	close(b.cond)
	b.cond = make(chan struct{})
}

func (b *Backend) Consumer(context.Context, string) (queue.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, queue.ErrNotConnected
	}
	return &consumer{b: b, held: map[string]bool{}}, nil
}

func (b *Backend) Depth(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DepthErr != nil {
		return 0, b.DepthErr
	}
	return int64(len(b.ready) + len(b.inflight)), nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("already closed")
	}
	b.closed = true
	b.connected = false
	return nil
}

// Published returns every payload accepted by Publish.
func (b *Backend) Published() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published...)
}

// Acked returns the messages acknowledged so far.
func (b *Backend) Acked() []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Message(nil), b.acked...)
}

// Pending counts messages that are queued or delivered but not acked.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) + len(b.inflight)
}

type consumer struct {
	b    *Backend
	held map[string]bool
}

func (c *consumer) Fetch(ctx context.Context) (queue.Message, error) {
	for {
		c.b.mu.Lock()
		if len(c.b.ready) > 0 {
			msg := c.b.ready[0]
			c.b.ready = c.b.ready[1:]
			c.b.inflight[msg.ID] = msg
			c.held[msg.ID] = true
			c.b.mu.Unlock()
			return msg, nil
		}
		wait := c.b.cond
		c.b.mu.Unlock()
		select {
		case <-ctx.Done():
			return queue.Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (c *consumer) Ack(_ context.Context, msg queue.Message) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, ok := c.b.inflight[msg.ID]; !ok {
		return errors.New("unknown message " + msg.ID)
	}
	delete(c.b.inflight, msg.ID)
	delete(c.held, msg.ID)
	c.b.acked = append(c.b.acked, msg)
	return nil
}

func (c *consumer) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	var back []queue.Message
	for id := range c.held {
		if msg, ok := c.b.inflight[id]; ok {
			back = append(back, msg)
			delete(c.b.inflight, id)
		}
	}
	if len(back) > 0 {
		c.b.ready = append(back, c.b.ready...)
		c.b.signal()
	}
	c.held = map[string]bool{}
	return nil
}
