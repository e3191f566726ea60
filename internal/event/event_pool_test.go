package event

import (
	"testing"

	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/pkg/quant"
)

func TestEventPool(t *testing.T) {
	// Acquire and use
	ev := AcquireTopOfBookEvent()
	ev.Product = feed.BTCUSD
	ev.Bid = quant.MustParse("6500.1")
	ev.HasBid = true

	if ev.Product != feed.BTCUSD {
		t.Error("Product not set")
	}

	// Release
	ReleaseTopOfBookEvent(ev)

	// Acquire again - should be reset
	ev2 := AcquireTopOfBookEvent()
	if ev2.Product != "" || ev2.HasBid || !ev2.Bid.IsZero() {
		t.Error("Event should be reset after release")
	}
	ReleaseTopOfBookEvent(ev2)
}

func TestSameQuote(t *testing.T) {
	a := &TopOfBookEvent{Product: feed.BTCUSD, Bid: quant.MustParse("1.0"), HasBid: true}
	b := &TopOfBookEvent{Product: feed.BTCUSD, Bid: quant.MustParse("1.00"), HasBid: true}
	b.Seq = 7

	if !a.SameQuote(b) {
		t.Error("quotes differing only in seq should match")
	}
	b.BidSize = quant.MustParse("2")
	if a.SameQuote(b) {
		t.Error("size change should not match")
	}
}

func TestNewFeedMessageEvent(t *testing.T) {
	msg := &feed.Heartbeat{Sequence: 90, LastTradeID: 20, ProductID: feed.ETHUSD}
	ev, err := NewFeedMessageEvent(3, quant.TimeStamp(1000), msg)
	if err != nil {
		t.Fatalf("NewFeedMessageEvent: %v", err)
	}
	if ev.MsgType != "heartbeat" || ev.Product != feed.ETHUSD || ev.Sequence != 90 {
		t.Errorf("unexpected routing columns: %+v", ev)
	}

	back, err := ev.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	hb, ok := back.(*feed.Heartbeat)
	if !ok || hb.LastTradeID != 20 {
		t.Errorf("decoded %#v", back)
	}

	errEv, err := NewFeedMessageEvent(4, 0, &feed.Error{Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if errEv.Product != "" || errEv.Sequence != 0 {
		t.Error("unscoped message should have empty routing columns")
	}
}

// BenchmarkWithoutPool measures allocation without pool
func BenchmarkWithoutPool(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ev := &TopOfBookEvent{Product: feed.BTCUSD, HasBid: true}
		_ = ev
	}
}

// BenchmarkWithPool measures allocation with pool
func BenchmarkWithPool(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ev := AcquireTopOfBookEvent()
		ev.Product = feed.BTCUSD
		ev.HasBid = true
		ReleaseTopOfBookEvent(ev)
	}
}
