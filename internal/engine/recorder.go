package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"github.com/casey/whim/internal/book"
	"github.com/casey/whim/internal/event"
	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/internal/storage"
	"github.com/casey/whim/pkg/quant"
)

// ErrPersistence marks a failure to record a message. The recorder stops on it.
var ErrPersistence = errors.New("persistence failure")

// Store is where the recorder appends every message it handles.
type Store interface {
	SaveMessage(ctx context.Context, ev *event.FeedMessageEvent) error
	GetLastSeq(ctx context.Context) (uint64, error)
}

// MessageSink receives every recorded message.
type MessageSink interface {
	PublishMessage(ctx context.Context, ev *event.FeedMessageEvent) error
}

// QuoteSink receives top-of-book changes. The event is only valid during the
// call.
type QuoteSink interface {
	PublishQuote(ctx context.Context, ev *event.TopOfBookEvent) error
}

// Config carries the recorder's optional collaborators. Zero values disable
// the matching feature.
type Config struct {
	Logger        *slog.Logger
	Store         Store
	MessageSinks  []MessageSink
	QuoteSinks    []QuoteSink
	Snapshots     *storage.SnapshotManager
	KeepSnapshots int
	BackOff       backoff.BackOff // nil means the default exponential policy
	DumpPath      string          // state dump written on panic
}

// Stats counts what the recorder has seen since it was created.
type Stats struct {
	Messages   uint64
	Reconnects uint64
	Gaps       uint64
}

// Recorder consumes the feed on a single goroutine: it persists each message,
// routes level-2 messages into per-product books and fans out to sinks.
type Recorder struct {
	builder *feed.Builder
	dialer  feed.Dialer
	cfg     Config
	logger  *slog.Logger
	backoff backoff.BackOff
	now     func() time.Time

	nextSeq   uint64
	exchSeq   map[feed.Product]uint64
	lastQuote map[feed.Product]event.TopOfBookEvent

	mu    sync.RWMutex // guards books and stats for external reads
	books map[feed.Product]*book.OrderBook
	stats Stats
}

// NewRecorder creates a recorder that connects through dialer with the
// endpoint and subscriptions of builder.
func NewRecorder(builder *feed.Builder, dialer feed.Dialer, cfg Config) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bo := cfg.BackOff
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
	}
	return &Recorder{
		builder:   builder,
		dialer:    dialer,
		cfg:       cfg,
		logger:    logger,
		backoff:   bo,
		now:       time.Now,
		nextSeq:   1,
		exchSeq:   make(map[feed.Product]uint64),
		lastQuote: make(map[feed.Product]event.TopOfBookEvent),
		books:     make(map[feed.Product]*book.OrderBook),
	}
}

// NextSeq returns the recorder sequence the next message will get.
func (r *Recorder) NextSeq() uint64 { return r.nextSeq }

// Resume continues numbering after the last message in the store.
func (r *Recorder) Resume(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}
	last, err := r.cfg.Store.GetLastSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to get last seq: %w", err)
	}
	r.nextSeq = last + 1
	if last > 0 {
		r.logger.Info("Resuming recording", slog.Uint64("next_seq", r.nextSeq))
	}
	return nil
}

// Run records until ctx is cancelled, reconnecting after transport failures.
// It returns nil on cancellation and an error for failures reconnecting cannot
// fix: undecodable messages, persistence failures and an exhausted backoff.
func (r *Recorder) Run(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", rec))
			if r.cfg.DumpPath != "" {
				r.DumpState(r.cfg.DumpPath)
			}
			panic(rec)
		}
	}()

	if err := r.Resume(ctx); err != nil {
		return err
	}

	r.logger.Info("Recorder started", slog.String("url", r.builder.Endpoint()))

	for {
		f, err := r.builder.Connect(ctx, r.dialer)
		if err != nil {
			if ctx.Err() != nil {
				r.shutdown()
				return nil
			}
			if werr := r.wait(ctx, err); werr != nil {
				return werr
			}
			continue
		}
		r.backoff.Reset()

		err = r.consume(ctx, f)
		r.drain(f)
		f.Close()
		if ctx.Err() != nil {
			r.shutdown()
			return nil
		}

		var decErr *feed.DecodeError
		if errors.As(err, &decErr) || errors.Is(err, ErrPersistence) {
			r.logger.Error("Recorder stopped", slog.Any("error", err))
			r.shutdown()
			return err
		}

		// books are stale once the stream is broken; the snapshot that follows
		// the new subscription rebuilds them
		r.reset()
		r.mu.Lock()
		r.stats.Reconnects++
		r.mu.Unlock()

		if werr := r.wait(ctx, err); werr != nil {
			return werr
		}
	}
}

// wait sleeps for the next backoff interval. It returns cause once the policy
// gives up and nil when ctx ends the wait.
func (r *Recorder) wait(ctx context.Context, cause error) error {
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		r.shutdown()
		return fmt.Errorf("giving up reconnecting: %w", cause)
	}

	r.logger.Warn("Feed connection lost, reconnecting",
		slog.Any("error", cause),
		slog.Duration("backoff", d))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.shutdown()
		return nil
	case <-t.C:
		return nil
	}
}

func (r *Recorder) consume(ctx context.Context, f *feed.Feed) error {
	for {
		msg, err := f.Next(ctx)
		if err != nil {
			return err
		}
		if err := r.HandleRaw(ctx, msg, f.Raw()); err != nil {
			return err
		}
	}
}

// drain gives queued frames, pongs and the close acknowledgement included, a
// bounded chance to go out before the connection is closed.
func (r *Recorder) drain(f *feed.Feed) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Flush(ctx); err != nil {
		r.logger.Debug("Flush before close incomplete", slog.Any("error", err))
	}
}

func (r *Recorder) reset() {
	r.mu.Lock()
	r.books = make(map[feed.Product]*book.OrderBook)
	r.mu.Unlock()
	r.exchSeq = make(map[feed.Product]uint64)
	r.lastQuote = make(map[feed.Product]event.TopOfBookEvent)
}

func (r *Recorder) shutdown() {
	if r.cfg.Snapshots == nil {
		return
	}
	r.mu.RLock()
	if len(r.books) == 0 {
		r.mu.RUnlock()
		return
	}
	snap := storage.CreateSnapshot(r.nextSeq-1, r.books)
	r.mu.RUnlock()

	if _, err := r.cfg.Snapshots.Save(snap); err != nil {
		r.logger.Error("Failed to save snapshot", slog.Any("error", err))
		return
	}
	if r.cfg.KeepSnapshots > 0 {
		if err := r.cfg.Snapshots.Cleanup(r.cfg.KeepSnapshots); err != nil {
			r.logger.Warn("Snapshot cleanup failed", slog.Any("error", err))
		}
	}
}

// Handle records one live message: persist, apply, then fan out.
func (r *Recorder) Handle(ctx context.Context, msg feed.Message) error {
	return r.HandleRaw(ctx, msg, nil)
}

// HandleRaw is Handle for a message decoded from raw. The stored and published
// payload is raw itself.
func (r *Recorder) HandleRaw(ctx context.Context, msg feed.Message, raw []byte) error {
	seq := r.nextSeq
	ev, err := event.NewRawFeedMessageEvent(seq, quant.FromTime(r.now()), msg, raw)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", seq, err)
	}

	if r.cfg.Store != nil {
		if err := r.cfg.Store.SaveMessage(ctx, ev); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	r.nextSeq++

	changed := r.route(msg, true)
	if changed != "" {
		r.publishQuote(ctx, changed, ev.Seq, ev.Ts)
	}

	for _, s := range r.cfg.MessageSinks {
		if err := s.PublishMessage(ctx, ev); err != nil {
			r.logger.Warn("Message sink failed", slog.Uint64("seq", seq), slog.Any("error", err))
		}
	}
	return nil
}

// ReplayMessage applies a stored message through the same routing as live
// messages, without persistence or sinks. Messages must arrive in recorder
// sequence order.
func (r *Recorder) ReplayMessage(ev *event.FeedMessageEvent) error {
	if ev.Seq != r.nextSeq {
		return fmt.Errorf("REPLAY_GAP_DETECTED: expected %d, got %d", r.nextSeq, ev.Seq)
	}
	msg, err := ev.Decode()
	if err != nil {
		return fmt.Errorf("replay message %d: %w", ev.Seq, err)
	}
	r.nextSeq++
	r.route(msg, false)
	return nil
}

// route updates book state and returns the product whose book changed.
func (r *Recorder) route(msg feed.Message, live bool) feed.Product {
	r.mu.Lock()
	r.stats.Messages++
	r.mu.Unlock()

	switch m := msg.(type) {
	case *feed.Snapshot:
		b := book.FromSnapshot(m)
		r.mu.Lock()
		r.books[m.ProductID] = b
		r.mu.Unlock()
		r.logger.Info("Book snapshot",
			slog.String("product", string(m.ProductID)),
			slog.Int("bids", len(m.Bids)),
			slog.Int("asks", len(m.Asks)))
		return m.ProductID

	case *feed.L2Update:
		if !r.applyUpdate(m) {
			r.logger.Warn("Update for unknown book dropped", slog.String("product", string(m.ProductID)))
			return ""
		}
		r.logger.Debug("Book update",
			slog.String("product", string(m.ProductID)),
			slog.Int("changes", len(m.Changes)))
		return m.ProductID

	case *feed.Error:
		r.logger.Error("Feed error", slog.String("message", m.Message))

	case *feed.Received, *feed.Open, *feed.Done, *feed.Match:
		r.checkSequence(msg.(feed.Sequenced).Seq(), msg.(feed.Scoped).Instrument())
		r.logMessage(msg, live)

	default:
		r.logMessage(msg, live)
	}
	return ""
}

func (r *Recorder) applyUpdate(u *feed.L2Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[u.ProductID]
	if ok {
		b.Apply(u)
	}
	return ok
}

func (r *Recorder) logMessage(msg feed.Message, live bool) {
	level := slog.LevelInfo
	if !live {
		level = slog.LevelDebug
	}
	attrs := []slog.Attr{slog.String("type", msg.MessageType())}
	if s, ok := msg.(feed.Scoped); ok {
		attrs = append(attrs, slog.String("product", string(s.Instrument())))
	}
	if s, ok := msg.(feed.Sequenced); ok {
		attrs = append(attrs, slog.Uint64("sequence", s.Seq()))
	}
	r.logger.LogAttrs(context.Background(), level, "Feed message", attrs...)
}

// checkSequence reports gaps in the per-product full-channel sequence.
// Gaps are logged, never fatal: the level-2 book does not depend on them.
func (r *Recorder) checkSequence(seq uint64, product feed.Product) {
	last, seen := r.exchSeq[product]
	if seen {
		switch {
		case seq <= last:
			r.logger.Warn("SEQUENCE_DUPLICATE",
				slog.String("product", string(product)),
				slog.Uint64("last", last),
				slog.Uint64("got", seq))
			return
		case seq > last+1:
			r.mu.Lock()
			r.stats.Gaps++
			r.mu.Unlock()
			r.logger.Warn("SEQUENCE_GAP",
				slog.String("product", string(product)),
				slog.Uint64("expected", last+1),
				slog.Uint64("got", seq),
				slog.Uint64("missing", seq-last-1))
		}
	}
	r.exchSeq[product] = seq
}

func (r *Recorder) publishQuote(ctx context.Context, product feed.Product, seq uint64, ts quant.TimeStamp) {
	if len(r.cfg.QuoteSinks) == 0 {
		return
	}

	ev := event.AcquireTopOfBookEvent()
	defer event.ReleaseTopOfBookEvent(ev)

	ev.Seq, ev.Ts, ev.Product = seq, ts, product
	r.mu.RLock()
	b := r.books[product]
	if bid, ok := b.BestBid(); ok {
		ev.Bid, ev.BidSize, ev.HasBid = bid.Price, bid.Size, true
	}
	if ask, ok := b.BestAsk(); ok {
		ev.Ask, ev.AskSize, ev.HasAsk = ask.Price, ask.Size, true
	}
	r.mu.RUnlock()

	if last, ok := r.lastQuote[product]; ok && last.SameQuote(ev) {
		return
	}
	r.lastQuote[product] = *ev

	for _, s := range r.cfg.QuoteSinks {
		if err := s.PublishQuote(ctx, ev); err != nil {
			r.logger.Warn("Quote sink failed", slog.String("product", string(product)), slog.Any("error", err))
		}
	}
}

// Summaries returns the top of every book, ordered by product.
func (r *Recorder) Summaries() []book.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]book.Summary, 0, len(r.books))
	for _, b := range r.books {
		out = append(out, b.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out
}

// Depth returns up to n levels per side of product's book, best first.
func (r *Recorder) Depth(product feed.Product, n int) (bids, asks []book.Level, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[product]
	if !ok {
		return nil, nil, false
	}
	bids, asks = b.Depth(n)
	return bids, asks, true
}

// Restore loads the books of snap and continues numbering after it.
func (r *Recorder) Restore(snap *storage.Snapshot) {
	books := snap.OrderBooks()
	r.mu.Lock()
	r.books = books
	r.mu.Unlock()
	r.nextSeq = snap.Seq + 1
	r.logger.Info("Books restored from snapshot",
		slog.Uint64("seq", snap.Seq),
		slog.Int("books", len(books)))
}

// Stats returns a copy of the counters.
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// DumpState writes the recorder state to a file for post-mortem.
func (r *Recorder) DumpState(filename string) {
	r.logger.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		NextSeq  uint64                  `json:"next_seq"`
		Sequence map[feed.Product]uint64 `json:"sequence"`
		Books    []book.Summary          `json:"books"`
		Stats    Stats                   `json:"stats"`
	}{
		NextSeq:  r.nextSeq,
		Sequence: r.exchSeq,
		Books:    r.Summaries(),
		Stats:    r.Stats(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		r.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		r.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
