package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casey/whim/internal/event"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedis struct {
	c *redis.Client
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// NewRedisClient connects to addr and checks the connection with a PING.
// The returned close func releases the connection pool.
func NewRedisClient(ctx context.Context, addr, password string, db int) (RedisClient, func() error, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return goRedis{c: c}, c.Close, nil
}

type quote struct {
	Bid string
	Ask string
}

// RedisWriter persists the best bid/ask of every product using the schema:
//
//	Key:    book:{product}
//	Fields: bid, ask, ts
//
// A side without a quoted level is written as "0". Writes that would not
// change the stored prices are skipped.
type RedisWriter struct {
	client  RedisClient
	timeout time.Duration
	logger  *slog.Logger
	breaker *Breaker

	mu   sync.Mutex
	last map[string]quote // keyed by Redis key
}

func NewRedisWriter(client RedisClient, logger *slog.Logger) *RedisWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWriter{
		client:  client,
		timeout: 2 * time.Second,
		logger:  logger,
		breaker: NewBreaker("redis", DefaultBreakerConfig(), logger),
		last:    make(map[string]quote),
	}
}

// PublishQuote writes one top-of-book event. While the breaker is open the
// write is skipped and the quote is written again once Redis recovers.
func (rw *RedisWriter) PublishQuote(ctx context.Context, ev *event.TopOfBookEvent) error {
	q := quote{Bid: "0", Ask: "0"}
	if ev.HasBid {
		q.Bid = ev.Bid.String()
	}
	if ev.HasAsk {
		q.Ask = ev.Ask.String()
	}

	key := "book:" + string(ev.Product)

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev == q {
		rw.mu.Unlock()
		return nil
	}
	rw.last[key] = q
	rw.mu.Unlock()

	if !rw.breaker.Allow() {
		rw.forget(key)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, rw.timeout)
	defer cancel()

	ts := strconv.FormatInt(ev.Ts.Time().UnixMilli(), 10)
	if err := rw.client.HSet(ctx, key, "bid", q.Bid, "ask", q.Ask, "ts", ts); err != nil {
		rw.breaker.Failure(err)
		rw.forget(key)
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	rw.breaker.Success()
	return nil
}

// forget drops the remembered quote so the next event rewrites the key.
func (rw *RedisWriter) forget(key string) {
	rw.mu.Lock()
	delete(rw.last, key)
	rw.mu.Unlock()
}
