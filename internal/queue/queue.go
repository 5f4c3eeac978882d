package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"nsready/internal/backoff"
	"nsready/internal/config"
	"nsready/internal/model"
)

var ErrNotConnected = errors.New("queue client not connected")

// Message is one delivery from a Consumer. Ref carries the backend's
// handle needed to acknowledge it.
type Message struct {
	ID    string
	Key   string
	Value []byte
	Ref   any
}

// Backend is a durable publish/subscribe topic with consumer groups.
type Backend interface {
	Name() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, key string, value []byte) error
	Consumer(ctx context.Context, name string) (Consumer, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// Consumer reads one group member's share of the topic. Messages that are
// fetched but never acknowledged are delivered again.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Close() error
}

// Client is the collector's single queue connection. The ingest endpoint
// publishes through it and the worker subscribes through it.
type Client struct {
	backend  Backend
	subject  string
	consumer string
	logger   *slog.Logger

	mu        sync.RWMutex
	connected bool
}

func New(cfg config.QueueConfig, logger *slog.Logger) (*Client, error) {
	var b Backend
	switch strings.ToLower(cfg.Driver) {
	case "kafka":
		b = NewKafka(cfg.KafkaBrokers(), cfg.Subject, cfg.GroupID, cfg.WriteTimeout)
	case "redis":
		b = NewRedis(cfg.Redis, cfg.Subject, cfg.GroupID)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %q", cfg.Driver)
	}
	c := NewWithBackend(b, cfg.Subject, logger)
	if cfg.GroupID != "" {
		c.consumer = cfg.GroupID + "-" + c.consumer
	}
	return c, nil
}

func NewWithBackend(b Backend, subject string, logger *slog.Logger) *Client {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "collector"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: b, subject: subject, consumer: host, logger: logger}
}

func (c *Client) Subject() string {
	return c.subject
}

func (c *Client) Driver() string {
	return c.backend.Name()
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect tries the broker up to maxRetries times, sleeping retryDelay
// between attempts. Failure after the last attempt is fatal for startup.
func (c *Client) Connect(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	if c.IsConnected() {
		return nil
	}
	err := backoff.Retry(ctx, maxRetries, retryDelay, c.backend.Connect, func(attempt int, err error) {
		c.logger.Warn("queue connection attempt failed",
			"driver", c.backend.Name(),
			"attempt", attempt,
			"max_retries", maxRetries,
			"err", err,
		)
	})
	if err != nil {
		return fmt.Errorf("connect %s queue: %w", c.backend.Name(), err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("queue connected", "driver", c.backend.Name(), "subject", c.subject)
	return nil
}

// Publish serializes msg and waits for the broker to acknowledge it. There
// is no retry here; callers report the failure upstream.
func (c *Client) Publish(ctx context.Context, msg model.QueuedMessage) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := c.backend.Publish(ctx, msg.Event.DeviceID, data); err != nil {
		return fmt.Errorf("publish to %s: %w", c.subject, err)
	}
	c.logger.Debug("published event", "subject", c.subject, "trace_id", msg.TraceID)
	return nil
}

// QueueDepth is a best-effort count of messages not yet processed by the
// consumer group. It returns 0 when the broker cannot say.
func (c *Client) QueueDepth(ctx context.Context) int64 {
	if !c.IsConnected() {
		return 0
	}
	depth, err := c.backend.Depth(ctx)
	if err != nil {
		c.logger.Debug("could not get queue depth", "err", err)
		return 0
	}
	if depth < 0 {
		return 0
	}
	return depth
}

// Disconnect closes the broker connection. Calling it more than once, or
// before Connect, is fine.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()
	err := c.backend.Close()
	c.logger.Info("queue disconnected", "driver", c.backend.Name())
	return err
}
