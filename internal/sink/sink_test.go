package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/casey/whim/internal/event"
	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/pkg/quant"
)

// mockRedis records every HSet call for assertion.
type mockRedis struct {
	mu    sync.Mutex
	calls []hsetCall
	err   error
}

type hsetCall struct {
	Key    string
	Fields map[string]string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	return m.err
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func tob(bid, ask string) *event.TopOfBookEvent {
	ev := &event.TopOfBookEvent{Product: feed.BTCUSD}
	ev.Ts = quant.FromTime(time.UnixMilli(1700000000000))
	if bid != "" {
		ev.Bid, ev.HasBid = quant.MustParse(bid), true
	}
	if ask != "" {
		ev.Ask, ev.HasAsk = quant.MustParse(ask), true
	}
	return ev
}

func TestRedisWriter_HSetCommand(t *testing.T) {
	mock := &mockRedis{}
	rw := NewRedisWriter(mock, nil)

	require.NoError(t, rw.PublishQuote(context.Background(), tob("6500.11", "6500.15")))

	calls := mock.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "book:BTC-USD", calls[0].Key)
	assert.Equal(t, map[string]string{"bid": "6500.11", "ask": "6500.15", "ts": "1700000000000"}, calls[0].Fields)
}

func TestRedisWriter_DuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}
	rw := NewRedisWriter(mock, nil)
	ctx := context.Background()

	require.NoError(t, rw.PublishQuote(ctx, tob("1.0", "2.0")))
	require.NoError(t, rw.PublishQuote(ctx, tob("1.00", "2.000")))
	require.NoError(t, rw.PublishQuote(ctx, tob("1.5", "2.0")))

	calls := mock.getCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "1.5", calls[1].Fields["bid"])
}

func TestRedisWriter_EmptySide(t *testing.T) {
	mock := &mockRedis{}
	rw := NewRedisWriter(mock, nil)

	require.NoError(t, rw.PublishQuote(context.Background(), tob("", "2.0")))
	calls := mock.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "0", calls[0].Fields["bid"])
}

func TestRedisWriter_RetriesAfterError(t *testing.T) {
	mock := &mockRedis{err: errors.New("connection refused")}
	rw := NewRedisWriter(mock, nil)
	ctx := context.Background()

	err := rw.PublishQuote(ctx, tob("1.0", "2.0"))
	assert.ErrorContains(t, err, "book:BTC-USD")

	mock.err = nil
	require.NoError(t, rw.PublishQuote(ctx, tob("1.0", "2.0")))
	assert.Len(t, mock.getCalls(), 2)
}

type mockProducer struct {
	records []*kgo.Record
	failAll error
	flushed bool
	closed  bool
}

func (m *mockProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	m.records = append(m.records, r)
	promise(r, m.failAll)
}

func (m *mockProducer) Flush(context.Context) error {
	m.flushed = true
	return nil
}

func (m *mockProducer) Close() { m.closed = true }

func TestKafkaPublisher_Produce(t *testing.T) {
	prod := &mockProducer{}
	kp := NewKafkaPublisher(prod, "gdax.feed", nil)

	ev, err := event.NewFeedMessageEvent(7, 0, &feed.Heartbeat{Sequence: 90, ProductID: feed.ETHUSD})
	require.NoError(t, err)
	require.NoError(t, kp.PublishMessage(context.Background(), ev))

	require.Len(t, prod.records, 1)
	r := prod.records[0]
	assert.Equal(t, "gdax.feed", r.Topic)
	assert.Equal(t, "ETH-USD", string(r.Key))
	assert.Equal(t, []byte(ev.Payload), r.Value)
	assert.Equal(t, []kgo.RecordHeader{
		{Key: "type", Value: []byte("heartbeat")},
		{Key: "seq", Value: []byte("7")},
	}, r.Headers)

	produced, failed := kp.Stats()
	assert.Equal(t, int64(1), produced)
	assert.Zero(t, failed)
}

func TestKafkaPublisher_DeliveryFailureCounted(t *testing.T) {
	prod := &mockProducer{failAll: errors.New("broker down")}
	kp := NewKafkaPublisher(prod, "t", nil)

	ev, err := event.NewFeedMessageEvent(1, 0, &feed.Error{Message: "x"})
	require.NoError(t, err)
	require.NoError(t, kp.PublishMessage(context.Background(), ev))

	produced, failed := kp.Stats()
	assert.Zero(t, produced)
	assert.Equal(t, int64(1), failed)

	require.NoError(t, kp.Close(context.Background()))
	assert.True(t, prod.flushed)
	assert.True(t, prod.closed)
}

func TestKafkaPublisher_EmptyPayload(t *testing.T) {
	kp := NewKafkaPublisher(&mockProducer{}, "t", nil)
	assert.Error(t, kp.PublishMessage(context.Background(), &event.FeedMessageEvent{}))
}

func TestRedisWriter_BreakerSkipsWhileOpen(t *testing.T) {
	mock := &mockRedis{err: errors.New("connection refused")}
	rw := NewRedisWriter(mock, nil)
	ctx := context.Background()

	for i := 0; i < DefaultBreakerConfig().FailureThreshold; i++ {
		assert.Error(t, rw.PublishQuote(ctx, tob("1.0", "2.0")))
	}
	require.Equal(t, StateOpen, rw.breaker.State())

	// open breaker: no call reaches Redis and the recorder sees no error
	require.NoError(t, rw.PublishQuote(ctx, tob("1.0", "2.0")))
	assert.Len(t, mock.getCalls(), DefaultBreakerConfig().FailureThreshold)
}

func TestKafkaPublisher_BreakerDropsWhileOpen(t *testing.T) {
	prod := &mockProducer{failAll: errors.New("broker down")}
	kp := NewKafkaPublisher(prod, "t", nil)
	ctx := context.Background()

	ev, err := event.NewFeedMessageEvent(1, 0, &feed.Error{Message: "x"})
	require.NoError(t, err)
	for i := 0; i < DefaultBreakerConfig().FailureThreshold+3; i++ {
		require.NoError(t, kp.PublishMessage(ctx, ev))
	}

	assert.Len(t, prod.records, DefaultBreakerConfig().FailureThreshold)
	assert.Equal(t, int64(3), kp.Dropped())
}
