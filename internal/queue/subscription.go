package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nsready/internal/backoff"
)

// Handler processes one delivered message. A nil return acknowledges it;
// an error leaves it unacknowledged and it is handed to the handler again
// after a backoff.
type Handler func(ctx context.Context, msg Message) error

type SubscribeOptions struct {
	Concurrency int
	RetryDelay  time.Duration
	MaxBackoff  time.Duration
}

// Subscription is a running set of group consumers.
type Subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Subscribe starts opts.Concurrency consumers in the client's group. Each
// consumer handles its messages one at a time.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (*Subscription, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxBackoff < opts.RetryDelay {
		opts.MaxBackoff = opts.RetryDelay
	}
	consumers := make([]Consumer, 0, opts.Concurrency)
	for i := 0; i < opts.Concurrency; i++ {
		cons, err := c.backend.Consumer(ctx, fmt.Sprintf("%s-%d", c.consumer, i))
		if err != nil {
			for _, prev := range consumers {
				_ = prev.Close()
			}
			return nil, fmt.Errorf("subscribe %s: %w", c.subject, err)
		}
		consumers = append(consumers, cons)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel}
	for _, cons := range consumers {
		sub.wg.Add(1)
		go func(cons Consumer) {
			defer sub.wg.Done()
			defer cons.Close()
			c.consume(fetchCtx, cons, opts, h)
		}(cons)
	}
	c.logger.Info("subscribed", "subject", c.subject, "consumers", opts.Concurrency)
	return sub, nil
}

// Close stops fetching, waits for in-flight handlers to return and then
// releases the consumers.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (c *Client) consume(ctx context.Context, cons Consumer, opts SubscribeOptions, h Handler) {
	wait := opts.RetryDelay
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := cons.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("queue fetch failed", "subject", c.subject, "err", err, "backoff", wait)
			if !backoff.Sleep(ctx, wait) {
				return
			}
			wait = backoff.Exponential(wait, opts.MaxBackoff)
			continue
		}
		wait = opts.RetryDelay
		c.deliver(ctx, cons, msg, opts, h)
	}
}

// deliver runs h until it succeeds. The handler and the ack run on a
// context that outlives Close, so a stop never interrupts a transaction.
func (c *Client) deliver(ctx context.Context, cons Consumer, msg Message, opts SubscribeOptions, h Handler) {
	work := context.WithoutCancel(ctx)
	wait := opts.RetryDelay
	for attempt := 1; ; attempt++ {
		err := h(work, msg)
		if err == nil {
			if err := cons.Ack(work, msg); err != nil {
				c.logger.Warn("queue ack failed", "message_id", msg.ID, "err", err)
			}
			return
		}
		c.logger.Warn("message handling failed, redelivering",
			"message_id", msg.ID,
			"attempt", attempt,
			"backoff", wait,
			"err", err,
		)
		if !backoff.Sleep(ctx, wait) {
			return
		}
		wait = backoff.Exponential(wait, opts.MaxBackoff)
	}
}
