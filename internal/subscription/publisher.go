package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// Publisher sends sample batches to a broker the subscribers listen on.
type Publisher interface {
	Publish(ctx context.Context, batch *SampleBatch) error
	Close() error
}

func encodeBatch(batch *SampleBatch) ([]byte, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch.ToJSON()
}

// MessageWriter is the part of *kafka.Writer KafkaPublisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes batches keyed by series id, so one series stays
// on one partition and its batches arrive in order.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher writes to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish validates and writes one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, batch *SampleBatch) error {
	data, err := encodeBatch(batch)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(batch.Series),
		Value: data,
	}
	if batch.BatchID != "" {
		msg.Headers = []kafka.Header{{Key: "batch_id", Value: []byte(batch.BatchID)}}
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// RedisPublisher publishes batches on per-series channels.
type RedisPublisher struct {
	client        redis.UniversalClient
	channelPrefix string
}

// NewRedisPublisher publishes on channelPrefix+series.
func NewRedisPublisher(client redis.UniversalClient, channelPrefix string) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if channelPrefix == "" {
		return nil, fmt.Errorf("channel prefix is required")
	}
	return &RedisPublisher{client: client, channelPrefix: channelPrefix}, nil
}

// Publish validates and publishes one batch.
func (p *RedisPublisher) Publish(ctx context.Context, batch *SampleBatch) error {
	data, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channelPrefix+batch.Series, data).Err()
}

// Close is a no-op; the client belongs to the caller.
func (p *RedisPublisher) Close() error {
	return nil
}
