package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBackend keeps queued events in one topic. Consumers share a group so
// each message reaches one worker, and offsets are committed only after the
// handler succeeds.
type KafkaBackend struct {
	brokers      []string
	topic        string
	groupID      string
	writeTimeout time.Duration

	mu     sync.Mutex
	writer *kafka.Writer
	client *kafka.Client
}

func NewKafka(brokers []string, topic, groupID string, writeTimeout time.Duration) *KafkaBackend {
	return &KafkaBackend{brokers: brokers, topic: topic, groupID: groupID, writeTimeout: writeTimeout}
}

func (k *KafkaBackend) Name() string { return "kafka" }

func (k *KafkaBackend) Connect(ctx context.Context) error {
	if len(k.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var lastErr error
	reachable := false
	for _, broker := range k.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		reachable = true
		break
	}
	if !reachable {
		return fmt.Errorf("dial kafka: %w", lastErr)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:                   kafka.TCP(k.brokers...),
			Topic:                  k.topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           k.writeTimeout,
			BatchTimeout:           10 * time.Millisecond,
		}
		k.client = &kafka.Client{Addr: kafka.TCP(k.brokers...), Timeout: 5 * time.Second}
	}
	return nil
}

func (k *KafkaBackend) Publish(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	w := k.writer
	k.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (k *KafkaBackend) Consumer(_ context.Context, _ string) (Consumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     k.groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})
	return &kafkaConsumer{reader: reader}, nil
}

// Depth sums, over every partition, the distance between the last offset
// and the group's committed offset.
func (k *KafkaBackend) Depth(ctx context.Context) (int64, error) {
	k.mu.Lock()
	client := k.client
	k.mu.Unlock()
	if client == nil {
		return 0, ErrNotConnected
	}
	meta, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{k.topic}})
	if err != nil {
		return 0, err
	}
	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != k.topic {
			continue
		}
		if t.Error != nil {
			return 0, t.Error
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return 0, nil
	}

	requests := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, p := range partitions {
		requests = append(requests, kafka.LastOffsetOf(p))
	}
	offsets, err := client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{k.topic: requests},
	})
	if err != nil {
		return 0, err
	}
	first := make(map[int]int64, len(partitions))
	last := make(map[int]int64, len(partitions))
	for _, po := range offsets.Topics[k.topic] {
		if po.Error != nil {
			return 0, po.Error
		}
		first[po.Partition] = po.FirstOffset
		last[po.Partition] = po.LastOffset
	}

	committed, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: k.groupID,
		Topics:  map[string][]int{k.topic: partitions},
	})
	if err != nil {
		return 0, err
	}
	if committed.Error != nil {
		return 0, committed.Error
	}
	var depth int64
	for _, cp := range committed.Topics[k.topic] {
		offset := cp.CommittedOffset
		if offset < 0 {
			offset = first[cp.Partition]
		}
		if lag := last[cp.Partition] - offset; lag > 0 {
			depth += lag
		}
	}
	return depth, nil
}

func (k *KafkaBackend) Close() error {
	k.mu.Lock()
	w := k.writer
	k.writer = nil
	k.client = nil
	k.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

type kafkaConsumer struct {
	reader *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:    strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10),
		Key:   string(m.Key),
		Value: m.Value,
		Ref:   m,
	}, nil
}

func (c *kafkaConsumer) Ack(ctx context.Context, msg Message) error {
	m, ok := msg.Ref.(kafka.Message)
	if !ok {
		return fmt.Errorf("message %s was not fetched from kafka", msg.ID)
	}
	return c.reader.CommitMessages(ctx, m)
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
