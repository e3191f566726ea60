package event

import (
	"github.com/goccy/go-json"

	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/pkg/quant"
)

// Type defines the type of event.
type Type uint16

const (
	EvFeedMessage Type = iota + 1
	EvTopOfBook
)

// Event is the interface for all recorder events.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetType() Type
}

// BaseEvent contains common fields for all events.
// Seq is the recorder's own gap-free counter, not the exchange sequence.
type BaseEvent struct {
	Seq uint64          `json:"seq"`
	Ts  quant.TimeStamp `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64         { return e.Seq }
func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }

// FeedMessageEvent is one decoded feed message as recorded.
// Payload is the frame as received, keys the decoder ignores included. Messages
// built in code carry their encoding instead.
type FeedMessageEvent struct {
	BaseEvent
	MsgType  string          `json:"type"`
	Product  feed.Product    `json:"product,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func (e FeedMessageEvent) GetType() Type { return EvFeedMessage }

// NewFeedMessageEvent encodes msg and fills the routing columns.
func NewFeedMessageEvent(seq uint64, ts quant.TimeStamp, msg feed.Message) (*FeedMessageEvent, error) {
	return NewRawFeedMessageEvent(seq, ts, msg, nil)
}

// NewRawFeedMessageEvent records msg with raw, the frame it was decoded from,
// as payload. An empty raw falls back to encoding msg.
func NewRawFeedMessageEvent(seq uint64, ts quant.TimeStamp, msg feed.Message, raw []byte) (*FeedMessageEvent, error) {
	payload := json.RawMessage(raw)
	if len(payload) == 0 {
		encoded, err := feed.EncodeMessage(msg)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}
	ev := &FeedMessageEvent{
		BaseEvent: BaseEvent{Seq: seq, Ts: ts},
		MsgType:   msg.MessageType(),
		Payload:   payload,
	}
	if s, ok := msg.(feed.Scoped); ok {
		ev.Product = s.Instrument()
	}
	if s, ok := msg.(feed.Sequenced); ok {
		ev.Sequence = s.Seq()
	}
	return ev, nil
}

// Decode turns the stored payload back into a feed message.
func (e *FeedMessageEvent) Decode() (feed.Message, error) {
	return feed.DecodeMessage(e.Payload)
}

// TopOfBookEvent is the best bid and ask of one product after a book change.
// A side with no quoted level has a zero price and Has* false.
type TopOfBookEvent struct {
	BaseEvent
	Product feed.Product `json:"product"`
	Bid     quant.Price  `json:"bid"`
	BidSize quant.Size   `json:"bid_size"`
	HasBid  bool         `json:"has_bid"`
	Ask     quant.Price  `json:"ask"`
	AskSize quant.Size   `json:"ask_size"`
	HasAsk  bool         `json:"has_ask"`
}

func (e TopOfBookEvent) GetType() Type { return EvTopOfBook }

// SameQuote reports whether two events quote the same prices and sizes.
func (e *TopOfBookEvent) SameQuote(o *TopOfBookEvent) bool {
	return e.Product == o.Product &&
		e.HasBid == o.HasBid && e.Bid == o.Bid && e.BidSize == o.BidSize &&
		e.HasAsk == o.HasAsk && e.Ask == o.Ask && e.AskSize == o.AskSize
}
