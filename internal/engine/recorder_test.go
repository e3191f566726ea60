package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casey/whim/internal/book"
	"github.com/casey/whim/internal/event"
	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/internal/feed/feedtest"
	"github.com/casey/whim/internal/infra"
	"github.com/casey/whim/internal/storage"
	"github.com/casey/whim/pkg/quant"
)

const (
	snapshotBTC = `{"type":"snapshot","product_id":"BTC-USD","bids":[["6500.11","0.45054140"]],"asks":[["6500.15","0.57753524"]]}`
	updateBTC   = `{"type":"l2update","product_id":"BTC-USD","time":"2017-10-17T01:02:03.000000Z","changes":[["buy","6500.13","0.84702376"]]}`
	sizeOnlyBTC = `{"type":"l2update","product_id":"BTC-USD","time":"2017-10-17T01:02:04.000000Z","changes":[["buy","6500.11","1.0"]]}`
	updateETH   = `{"type":"l2update","product_id":"ETH-USD","time":"2017-10-17T01:02:03.000000Z","changes":[["sell","300.1","1.0"]]}`
)

func decode(t *testing.T, s string) feed.Message {
	t.Helper()
	msg, err := feed.DecodeMessage([]byte(s))
	require.NoError(t, err)
	return msg
}

type memStore struct {
	mu   sync.Mutex
	evs  []*event.FeedMessageEvent
	err  error
	last uint64
}

func (m *memStore) SaveMessage(_ context.Context, ev *event.FeedMessageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.evs = append(m.evs, ev)
	return nil
}

func (m *memStore) GetLastSeq(context.Context) (uint64, error) { return m.last, nil }

type msgSink struct {
	mu   sync.Mutex
	seen []string
	got  chan string
	err  error
}

func (s *msgSink) PublishMessage(_ context.Context, ev *event.FeedMessageEvent) error {
	s.mu.Lock()
	s.seen = append(s.seen, ev.MsgType)
	s.mu.Unlock()
	if s.got != nil {
		s.got <- ev.MsgType
	}
	return s.err
}

type quoteSink struct {
	quotes []event.TopOfBookEvent
}

func (s *quoteSink) PublishQuote(_ context.Context, ev *event.TopOfBookEvent) error {
	s.quotes = append(s.quotes, *ev)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestRecorder(cfg Config, ts ...*feedtest.Transport) (*Recorder, *feedtest.Dialer) {
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.BackOff == nil {
		cfg.BackOff = &backoff.ZeroBackOff{}
	}
	d := feedtest.NewDialer(ts...)
	b := feed.NewBuilder().Subscribe(feed.ChannelLevel2, feed.BTCUSD).Logger(cfg.Logger)
	return NewRecorder(b, d, cfg), d
}

func TestRecorder_HandleRoutesBooks(t *testing.T) {
	store := &memStore{}
	msgs := &msgSink{}
	quotes := &quoteSink{}
	r, _ := newTestRecorder(Config{Store: store, MessageSinks: []MessageSink{msgs}, QuoteSinks: []QuoteSink{quotes}})
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, decode(t, snapshotBTC)))
	require.NoError(t, r.Handle(ctx, decode(t, updateBTC)))
	require.NoError(t, r.Handle(ctx, decode(t, sizeOnlyBTC)))

	sums := r.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, feed.BTCUSD, sums[0].Product)
	assert.Equal(t, "6500.13", sums[0].BestBid)
	assert.Equal(t, "6500.15", sums[0].BestAsk)
	assert.Equal(t, "0.02", sums[0].Spread)

	assert.Equal(t, uint64(4), r.NextSeq())
	require.Len(t, store.evs, 3)
	assert.Equal(t, uint64(1), store.evs[0].Seq)
	assert.Equal(t, "l2update", store.evs[2].MsgType)
	assert.Equal(t, []string{"snapshot", "l2update", "l2update"}, msgs.seen)

	// the size-only change below the top does not move the quote
	require.Len(t, quotes.quotes, 2)
	assert.Equal(t, "6500.11", quotes.quotes[0].Bid.String())
	assert.Equal(t, "6500.13", quotes.quotes[1].Bid.String())
	assert.Equal(t, uint64(2), quotes.quotes[1].Seq)
	assert.True(t, quotes.quotes[1].HasAsk)
}

func TestRecorder_UnknownBookDropped(t *testing.T) {
	quotes := &quoteSink{}
	r, _ := newTestRecorder(Config{QuoteSinks: []QuoteSink{quotes}})

	require.NoError(t, r.Handle(context.Background(), decode(t, updateETH)))
	assert.Empty(t, r.Summaries())
	assert.Empty(t, quotes.quotes)
	assert.Equal(t, uint64(2), r.NextSeq())
}

func TestRecorder_SequenceGaps(t *testing.T) {
	var logs bytes.Buffer
	r, _ := newTestRecorder(Config{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	ctx := context.Background()

	open := func(seq uint64) feed.Message {
		return &feed.Open{ProductID: feed.BTCUSD, Side: feed.SideBuy, Sequence: seq}
	}
	for _, seq := range []uint64{10, 11, 14, 14, 15} {
		require.NoError(t, r.Handle(ctx, open(seq)))
	}

	assert.Equal(t, uint64(1), r.Stats().Gaps)
	assert.Equal(t, uint64(5), r.Stats().Messages)
	assert.Contains(t, logs.String(), "SEQUENCE_GAP")
	assert.Contains(t, logs.String(), "missing=2")
	assert.Contains(t, logs.String(), "SEQUENCE_DUPLICATE")
}

func TestRecorder_FeedErrorLoggedAtError(t *testing.T) {
	var logs bytes.Buffer
	r, _ := newTestRecorder(Config{Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	require.NoError(t, r.Handle(context.Background(), &feed.Error{Message: "Failed to subscribe"}))
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "Failed to subscribe")
}

func TestRecorder_PersistenceFailure(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	r, _ := newTestRecorder(Config{Store: store})

	err := r.Handle(context.Background(), decode(t, snapshotBTC))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, uint64(1), r.NextSeq())
	assert.Empty(t, r.Summaries())
}

func TestRecorder_SinkFailureIsNotFatal(t *testing.T) {
	msgs := &msgSink{err: errors.New("broker down")}
	r, _ := newTestRecorder(Config{MessageSinks: []MessageSink{msgs}})

	require.NoError(t, r.Handle(context.Background(), decode(t, snapshotBTC)))
	assert.Len(t, r.Summaries(), 1)
}

func TestRecorder_Resume(t *testing.T) {
	r, _ := newTestRecorder(Config{Store: &memStore{last: 41}})
	require.NoError(t, r.Resume(context.Background()))
	assert.Equal(t, uint64(42), r.NextSeq())
}

func TestRecorder_Replay(t *testing.T) {
	store := &memStore{}
	live, _ := newTestRecorder(Config{Store: store})
	ctx := context.Background()
	for _, s := range []string{snapshotBTC, updateBTC, updateETH} {
		require.NoError(t, live.Handle(ctx, decode(t, s)))
	}

	replay, _ := newTestRecorder(Config{})
	for _, ev := range store.evs {
		require.NoError(t, replay.ReplayMessage(ev))
	}
	assert.Equal(t, live.Summaries(), replay.Summaries())
	assert.Equal(t, live.NextSeq(), replay.NextSeq())
}

func TestRecorder_RestoreAndDepth(t *testing.T) {
	store := &memStore{}
	live, _ := newTestRecorder(Config{Store: store})
	ctx := context.Background()
	for _, s := range []string{snapshotBTC, updateBTC, updateETH} {
		require.NoError(t, live.Handle(ctx, decode(t, s)))
	}

	restored, _ := newTestRecorder(Config{})
	restored.Restore(storage.CreateSnapshot(2, map[feed.Product]*book.OrderBook{
		feed.BTCUSD: live.books[feed.BTCUSD],
	}))
	assert.Equal(t, uint64(3), restored.NextSeq())

	_, _, ok := restored.Depth(feed.ETHUSD, 5)
	assert.False(t, ok)

	require.NoError(t, restored.ReplayMessage(store.evs[2]))
	assert.Equal(t, live.Summaries(), restored.Summaries())

	bids, asks, ok := restored.Depth(feed.BTCUSD, 1)
	require.True(t, ok)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.Equal(t, "6500.13", bids[0].Price.String())
	assert.Equal(t, "6500.15", asks[0].Price.String())
}

func TestRecorder_ReplayGap(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	ev, err := event.NewFeedMessageEvent(2, 0, decode(t, snapshotBTC))
	require.NoError(t, err)

	err = r.ReplayMessage(ev)
	assert.ErrorContains(t, err, "REPLAY_GAP_DETECTED: expected 1, got 2")
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRecorder_RunReconnectsAndSnapshotsOnShutdown(t *testing.T) {
	first := feedtest.NewTransport(feedtest.Unlimited)
	second := feedtest.NewTransport(feedtest.Unlimited)
	msgs := &msgSink{got: make(chan string, 16)}
	snaps := storage.NewSnapshotManager(t.TempDir(), quietLogger())

	r, dialer := newTestRecorder(Config{
		MessageSinks:  []MessageSink{msgs},
		Snapshots:     snaps,
		KeepSnapshots: 2,
	}, first, second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	first.PushText(snapshotBTC)
	waitFor(t, msgs.got, "snapshot")
	first.End(errors.New("connection reset"))

	second.PushText(snapshotBTC)
	second.PushText(updateBTC)
	waitFor(t, msgs.got, "l2update")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.Len(t, dialer.URLs(), 2)
	assert.Equal(t, uint64(1), r.Stats().Reconnects)
	assert.True(t, first.Closed())
	assert.True(t, second.Closed())

	// both connections started with the subscription
	require.NotEmpty(t, second.Sent())
	assert.Contains(t, string(second.Sent()[0].Data), `"subscribe"`)

	snap, err := snaps.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(3), snap.Seq)
	b := snap.OrderBooks()[feed.BTCUSD]
	require.NotNil(t, b)
	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, "6500.13", best.Price.String())
}

func TestRecorder_RunDecodeErrorIsFatal(t *testing.T) {
	tr := feedtest.NewTransport(feedtest.Unlimited)
	r, dialer := newTestRecorder(Config{}, tr)

	tr.PushText(`{"type":"snapshot","product_id":"XBT-USD","bids":[],"asks":[]}`)

	err := r.Run(context.Background())
	var decErr *feed.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Len(t, dialer.URLs(), 1)
}

func TestRecorder_RunStoresFrameAsReceived(t *testing.T) {
	tr := feedtest.NewTransport(feedtest.Unlimited)
	store := &memStore{}
	msgs := &msgSink{got: make(chan string, 4)}
	r, _ := newTestRecorder(Config{Store: store, MessageSinks: []MessageSink{msgs}}, tr)

	raw := `{"type":"heartbeat","sequence":90,"last_trade_id":20,"product_id":"BTC-USD","time":"2014-11-07T08:19:28.464459Z","zeta":1}`
	tr.PushText(raw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	waitFor(t, msgs.got, "heartbeat")
	cancel()
	require.NoError(t, <-done)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.evs, 1)
	assert.Equal(t, raw, string(store.evs[0].Payload))

	msg, err := store.evs[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, uint64(90), msg.(*feed.Heartbeat).Sequence)
}

func TestRecorder_RunGivesUp(t *testing.T) {
	r, dialer := newTestRecorder(Config{BackOff: &backoff.StopBackOff{}})
	dialer.Err = errors.New("no route to host")

	err := r.Run(context.Background())
	assert.ErrorContains(t, err, "giving up reconnecting")
	assert.ErrorContains(t, err, "no route to host")
}

func TestRecorder_RunCancelledWhileConnecting(t *testing.T) {
	r, dialer := newTestRecorder(Config{})
	dialer.Err = errors.New("refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.Run(ctx))
}

func TestRecorder_DumpState(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	require.NoError(t, r.Handle(context.Background(), decode(t, snapshotBTC)))

	path := filepath.Join(t.TempDir(), "dump.json")
	r.DumpState(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"next_seq": 2`)
	assert.Contains(t, string(data), "6500.11")
}

func TestRecorder_QuoteTimestamp(t *testing.T) {
	quotes := &quoteSink{}
	r, _ := newTestRecorder(Config{QuoteSinks: []QuoteSink{quotes}})
	fixed := time.Date(2017, 10, 17, 1, 2, 3, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.Handle(context.Background(), decode(t, snapshotBTC)))
	require.Len(t, quotes.quotes, 1)
	assert.Equal(t, quant.FromTime(fixed), quotes.quotes[0].Ts)
}

// TestRecorder_RunAcknowledgesPeerClose runs the recorder against a real
// WebSocket server that closes the session right after the subscribe.
func TestRecorder_RunAcknowledgesPeerClose(t *testing.T) {
	serverRead := make(chan error, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			serverRead <- err
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			serverRead <- err
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err = conn.ReadMessage()
		serverRead <- err
	}))
	defer server.Close()

	logger := quietLogger()
	b := feed.NewBuilder().
		URL(strings.Replace(server.URL, "http://", "ws://", 1)).
		Subscribe(feed.ChannelLevel2, feed.BTCUSD).
		Logger(logger)
	r := NewRecorder(b, infra.NewWSDialer(4, logger), Config{Logger: logger, BackOff: &backoff.StopBackOff{}})

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	select {
	case err := <-serverRead:
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
		assert.Equal(t, "bye", closeErr.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("server never finished reading")
	}
}
