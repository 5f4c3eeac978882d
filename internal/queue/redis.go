package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"nsready/internal/config"
)

const (
	redisKeyField  = "key"
	redisDataField = "data"
	redisBlock     = 2 * time.Second
	redisBatch     = 16
	// Upper bound on entries counted past the group's last delivered ID.
	redisDepthScan = 10000
)

// RedisBackend keeps queued events in a Redis stream read through a
// consumer group. Entries stay in the group's pending list until acked.
type RedisBackend struct {
	opts   *redis.Options
	stream string
	group  string

	mu     sync.Mutex
	client *redis.Client
}

func NewRedis(cfg config.RedisConfig, stream, group string) *RedisBackend {
	return &RedisBackend{
		opts: &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		stream: stream,
		group:  group,
	}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		r.client = redis.NewClient(r.opts)
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return err
	}
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", r.group, err)
	}
	return nil
}

func (r *RedisBackend) conn() *redis.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func (r *RedisBackend) Publish(ctx context.Context, key string, value []byte) error {
	client := r.conn()
	if client == nil {
		return ErrNotConnected
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			redisKeyField:  key,
			redisDataField: string(value),
		},
	}).Err()
}

func (r *RedisBackend) Consumer(_ context.Context, name string) (Consumer, error) {
	client := r.conn()
	if client == nil {
		return nil, ErrNotConnected
	}
	return &redisConsumer{client: client, stream: r.stream, group: r.group, name: name, cursor: "0"}, nil
}

// Depth is the group's pending count plus entries not yet delivered to
// any consumer.
func (r *RedisBackend) Depth(ctx context.Context) (int64, error) {
	client := r.conn()
	if client == nil {
		return 0, ErrNotConnected
	}
	pending, err := client.XPending(ctx, r.stream, r.group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	var depth int64
	if pending != nil {
		depth = pending.Count
	}
	groups, err := client.XInfoGroups(ctx, r.stream).Result()
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name != r.group {
			continue
		}
		start := "-"
		if g.LastDeliveredID != "" && g.LastDeliveredID != "0-0" {
			start = "(" + g.LastDeliveredID
		}
		undelivered, err := client.XRangeN(ctx, r.stream, start, "+", redisDepthScan).Result()
		if err != nil {
			return 0, err
		}
		depth += int64(len(undelivered))
	}
	return depth, nil
}

func (r *RedisBackend) Close() error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// redisConsumer first drains its own pending entries, left over from a
// previous run, and then switches to new entries.
type redisConsumer struct {
	client *redis.Client
	stream string
	group  string
	name   string
	cursor string
	buf    []redis.XMessage
}

func (c *redisConsumer) Fetch(ctx context.Context) (Message, error) {
	for len(c.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		args := &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, c.cursor},
			Count:    redisBatch,
		}
		if c.cursor == ">" {
			args.Block = redisBlock
		}
		streams, err := c.client.XReadGroup(ctx, args).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Message{}, err
		}
		for _, s := range streams {
			c.buf = append(c.buf, s.Messages...)
		}
		if c.cursor != ">" {
			if len(c.buf) == 0 {
				c.cursor = ">"
			} else {
				c.cursor = c.buf[len(c.buf)-1].ID
			}
		}
	}
	m := c.buf[0]
	c.buf = c.buf[1:]
	key, _ := m.Values[redisKeyField].(string)
	data, _ := m.Values[redisDataField].(string)
	return Message{ID: m.ID, Key: key, Value: []byte(data), Ref: m.ID}, nil
}

func (c *redisConsumer) Ack(ctx context.Context, msg Message) error {
	return c.client.XAck(ctx, c.stream, c.group, msg.ID).Err()
}

func (c *redisConsumer) Close() error {
	return nil
}
