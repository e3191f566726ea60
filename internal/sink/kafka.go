package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/casey/whim/internal/event"
)

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// NewKafkaClient creates a franz-go client for the given seed brokers.
func NewKafkaClient(brokers []string) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

// KafkaPublisher forwards every recorded feed message to a topic.
// Records are keyed by product so per-product order is kept within a partition.
type KafkaPublisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
	breaker  *Breaker

	produced atomic.Int64
	failed   atomic.Int64
}

func NewKafkaPublisher(producer Producer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		breaker:  NewBreaker("kafka", DefaultBreakerConfig(), logger),
	}
}

// PublishMessage produces asynchronously. Delivery failures are counted and
// logged from the producer's callback; only local errors are returned.
// Messages are dropped while the breaker is open.
func (kp *KafkaPublisher) PublishMessage(ctx context.Context, ev *event.FeedMessageEvent) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("empty payload for message %d", ev.Seq)
	}
	if !kp.breaker.Allow() {
		return nil
	}

	record := &kgo.Record{
		Topic: kp.topic,
		Key:   []byte(ev.Product),
		Value: ev.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(ev.MsgType)},
			{Key: "seq", Value: []byte(strconv.FormatUint(ev.Seq, 10))},
		},
	}

	kp.producer.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			kp.breaker.Failure(err)
			kp.failed.Add(1)
			kp.logger.Warn("Kafka produce failed",
				slog.String("topic", r.Topic),
				slog.Uint64("seq", ev.Seq),
				slog.Any("error", err))
			return
		}
		kp.breaker.Success()
		kp.produced.Add(1)
	})
	return nil
}

// Stats returns delivered and failed record counts.
func (kp *KafkaPublisher) Stats() (produced, failed int64) {
	return kp.produced.Load(), kp.failed.Load()
}

// Dropped returns how many messages the open breaker rejected.
func (kp *KafkaPublisher) Dropped() int64 { return kp.breaker.Dropped() }

// Close flushes buffered records and closes the producer.
func (kp *KafkaPublisher) Close(ctx context.Context) error {
	err := kp.producer.Flush(ctx)
	produced, failed := kp.Stats()
	kp.logger.Info("Kafka publisher closed",
		slog.Int64("produced", produced),
		slog.Int64("failed", failed))
	kp.producer.Close()
	return err
}
