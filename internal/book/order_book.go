package book

import (
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/pkg/quant"
)

const degree = 32

// Level is one price level of a side.
type Level struct {
	Price quant.Price
	Size  quant.Size
}

func lessLevel(a, b Level) bool { return a.Price.Less(b.Price) }

// OrderBook is the level-2 state of one product: two price-ascending maps
// from price to size, rebuilt from a snapshot and mutated by updates.
//
// A supplied size always overwrites the level, zero included; zero-size
// levels stay in the book as explicit entries.
// Not safe for concurrent use.
type OrderBook struct {
	productID feed.Product
	bids      *btree.BTreeG[Level]
	asks      *btree.BTreeG[Level]
}

// New returns an empty book for product.
func New(product feed.Product) *OrderBook {
	return &OrderBook{
		productID: product,
		bids:      btree.NewG(degree, lessLevel),
		asks:      btree.NewG(degree, lessLevel),
	}
}

// FromSnapshot builds a book from a snapshot. Later duplicates of a price
// overwrite earlier ones.
func FromSnapshot(s *feed.Snapshot) *OrderBook {
	b := New(s.ProductID)
	for _, l := range s.Bids {
		b.bids.ReplaceOrInsert(Level{Price: l.Price, Size: l.Size})
	}
	for _, l := range s.Asks {
		b.asks.ReplaceOrInsert(Level{Price: l.Price, Size: l.Size})
	}
	return b
}

// Apply applies an update's changes in order. An update for another product
// means messages were routed to the wrong book, which is a bug: Apply panics.
func (b *OrderBook) Apply(u *feed.L2Update) {
	if u.ProductID != b.productID {
		panic(fmt.Sprintf("BOOK_PRODUCT_MISMATCH: book %s got update for %s", b.productID, u.ProductID))
	}
	for _, c := range u.Changes {
		lvl := Level{Price: c.Price, Size: c.Size}
		switch c.Side {
		case feed.SideBuy:
			b.bids.ReplaceOrInsert(lvl)
		case feed.SideSell:
			b.asks.ReplaceOrInsert(lvl)
		default:
			panic(fmt.Sprintf("BOOK_UNKNOWN_SIDE: %q", c.Side))
		}
	}
}

func (b *OrderBook) ProductID() feed.Product { return b.productID }

// Len returns the number of bid and ask levels.
func (b *OrderBook) Len() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Bid returns the size at price on the bid side.
func (b *OrderBook) Bid(price quant.Price) (quant.Size, bool) {
	l, ok := b.bids.Get(Level{Price: price})
	return l.Size, ok
}

// Ask returns the size at price on the ask side.
func (b *OrderBook) Ask(price quant.Price) (quant.Size, bool) {
	l, ok := b.asks.Get(Level{Price: price})
	return l.Size, ok
}

// Bids returns every bid level, price ascending.
func (b *OrderBook) Bids() []Level { return collect(b.bids) }

// Asks returns every ask level, price ascending.
func (b *OrderBook) Asks() []Level { return collect(b.asks) }

func collect(t *btree.BTreeG[Level]) []Level {
	out := make([]Level, 0, t.Len())
	t.Ascend(func(l Level) bool {
		out = append(out, l)
		return true
	})
	return out
}

// BestBid returns the highest bid with a non-zero size.
func (b *OrderBook) BestBid() (Level, bool) {
	var best Level
	found := false
	b.bids.Descend(func(l Level) bool {
		if l.Size.IsZero() {
			return true
		}
		best, found = l, true
		return false
	})
	return best, found
}

// BestAsk returns the lowest ask with a non-zero size.
func (b *OrderBook) BestAsk() (Level, bool) {
	var best Level
	found := false
	b.asks.Ascend(func(l Level) bool {
		if l.Size.IsZero() {
			return true
		}
		best, found = l, true
		return false
	})
	return best, found
}

// Depth returns up to n non-empty levels per side, best first.
func (b *OrderBook) Depth(n int) (bids, asks []Level) {
	if n <= 0 {
		return nil, nil
	}
	b.bids.Descend(func(l Level) bool {
		if !l.Size.IsZero() {
			bids = append(bids, l)
		}
		return len(bids) < n
	})
	b.asks.Ascend(func(l Level) bool {
		if !l.Size.IsZero() {
			asks = append(asks, l)
		}
		return len(asks) < n
	})
	return bids, asks
}

// Summary is a display view of the top of the book.
type Summary struct {
	Product feed.Product
	BestBid string
	BestAsk string
	Spread  string
	Mid     string
	Bids    int
	Asks    int
}

// Summary reports the top of book with exact decimal arithmetic.
func (b *OrderBook) Summary() Summary {
	s := Summary{Product: b.productID, Bids: b.bids.Len(), Asks: b.asks.Len()}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if hasBid {
		s.BestBid = bid.Price.String()
	}
	if hasAsk {
		s.BestAsk = ask.Price.String()
	}
	if hasBid && hasAsk {
		bd, ad := bid.Price.BigDecimal(), ask.Price.BigDecimal()
		s.Spread = ad.Sub(bd).String()
		s.Mid = ad.Add(bd).Div(decimal.NewFromInt(2)).String()
	}
	return s
}
