package backtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/casey/whim/internal/book"
	"github.com/casey/whim/internal/engine"
	"github.com/casey/whim/internal/event"
	"github.com/casey/whim/internal/storage"
)

// Replayer reads recorded messages from SQLite and feeds them into a Recorder.
type Replayer struct {
	store  *storage.MessageStore
	logger *slog.Logger
}

// NewReplayer opens the message store at dbPath.
func NewReplayer(dbPath string, logger *slog.Logger) (*Replayer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.NewMessageStore(dbPath)
	if err != nil {
		return nil, err
	}
	return &Replayer{store: store, logger: logger}, nil
}

// Restore starts rec from the latest snapshot in sm. Snapshots past the end of
// the store belong to another recording and are skipped. It returns the
// snapshot used, or nil when replay starts from the first message.
func (r *Replayer) Restore(ctx context.Context, rec *engine.Recorder, sm *storage.SnapshotManager) (*storage.Snapshot, error) {
	snap, err := sm.LoadLatest()
	if err != nil || snap == nil {
		return nil, err
	}
	last, err := r.store.GetLastSeq(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Seq > last {
		r.logger.Warn("Snapshot is ahead of the message store, ignoring it",
			slog.Uint64("snapshot_seq", snap.Seq),
			slog.Uint64("last_seq", last))
		return nil, nil
	}
	rec.Restore(snap)
	return snap, nil
}

// RunReplay replays stored messages from rec.NextSeq() on and returns how
// many were applied. rec is fresh or restored from a snapshot.
func (r *Replayer) RunReplay(ctx context.Context, rec *engine.Recorder) (int, error) {
	n := 0
	err := r.store.ForEachMessage(ctx, rec.NextSeq(), func(ev *event.FeedMessageEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Feed into the recorder synchronously for deterministic replay.
		if err := rec.ReplayMessage(ev); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("replay stopped after %d messages: %w", n, err)
	}

	r.logger.Info("Replay finished", slog.Int("messages", n), slog.Uint64("next_seq", rec.NextSeq()))
	return n, nil
}

// Counts reports stored messages per type.
func (r *Replayer) Counts(ctx context.Context) (map[string]int64, error) {
	return r.store.CountByType(ctx)
}

// Endpoint returns the feed URL the store was recorded from, or "" if unknown.
func (r *Replayer) Endpoint(ctx context.Context) (string, error) {
	return r.store.GetMetadata(ctx, "endpoint")
}

// Close closes the underlying store.
func (r *Replayer) Close() error {
	return r.store.Close()
}

// PrintSummaries writes one row per book.
func PrintSummaries(w io.Writer, rec *engine.Recorder) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tBID\tASK\tSPREAD\tMID\tBIDS\tASKS")
	for _, s := range rec.Summaries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.Product, dash(s.BestBid), dash(s.BestAsk), dash(s.Spread), dash(s.Mid), s.Bids, s.Asks)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// PrintCounts writes one row per message type, sorted by type.
func PrintCounts(w io.Writer, counts map[string]int64) error {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCOUNT")
	for _, t := range types {
		fmt.Fprintf(tw, "%s\t%d\n", t, counts[t])
	}
	return tw.Flush()
}

// PrintDepth writes the top n levels of every book as a bid/ask ladder.
func PrintDepth(w io.Writer, rec *engine.Recorder, n int) error {
	for _, s := range rec.Summaries() {
		bids, asks, ok := rec.Depth(s.Product, n)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", s.Product)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "BID SIZE\tBID\tASK\tASK SIZE\t")
		for i := 0; i < max(len(bids), len(asks)); i++ {
			bp, bs := level(bids, i)
			ap, as := level(asks, i)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", bs, bp, ap, as)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func level(levels []book.Level, i int) (price, size string) {
	if i >= len(levels) {
		return "-", "-"
	}
	return levels[i].Price.String(), levels[i].Size.String()
}
