package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/casey/whim/pkg/quant"
)

// Product is a GDAX trading pair.
type Product string

const (
	BTCUSD Product = "BTC-USD"
	ETHUSD Product = "ETH-USD"
	LTCUSD Product = "LTC-USD"
)

// AllProducts lists every product the recorder knows about.
func AllProducts() []Product {
	return []Product{BTCUSD, ETHUSD, LTCUSD}
}

// Channel is a GDAX feed channel name.
type Channel string

const (
	ChannelFull      Channel = "full"
	ChannelHeartbeat Channel = "heartbeat"
	ChannelLevel2    Channel = "level2"
	ChannelMatches   Channel = "matches"
	ChannelTicker    Channel = "ticker"
)

// AllChannels lists every public channel.
func AllChannels() []Channel {
	return []Channel{ChannelFull, ChannelHeartbeat, ChannelLevel2, ChannelMatches, ChannelTicker}
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type Reason string

const (
	ReasonCanceled Reason = "canceled"
	ReasonFilled   Reason = "filled"
)

func (p *Product) UnmarshalText(b []byte) error {
	return parseEnum(p, "product", b, AllProducts())
}

func (c *Channel) UnmarshalText(b []byte) error {
	return parseEnum(c, "channel", b, AllChannels())
}

func (s *Side) UnmarshalText(b []byte) error {
	return parseEnum(s, "side", b, []Side{SideBuy, SideSell})
}

func (o *OrderType) UnmarshalText(b []byte) error {
	return parseEnum(o, "order type", b, []OrderType{OrderTypeLimit, OrderTypeMarket})
}

func (r *Reason) UnmarshalText(b []byte) error {
	return parseEnum(r, "reason", b, []Reason{ReasonCanceled, ReasonFilled})
}

// ParseProduct validates a product id such as "BTC-USD".
func ParseProduct(s string) (Product, error) {
	var p Product
	err := p.UnmarshalText([]byte(s))
	return p, err
}

// ParseChannel validates a channel name such as "level2".
func ParseChannel(s string) (Channel, error) {
	var c Channel
	err := c.UnmarshalText([]byte(s))
	return c, err
}

func parseEnum[T ~string](dst *T, kind string, b []byte, valid []T) error {
	for _, v := range valid {
		if string(v) == string(b) {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", kind, b)
}

// Subscription names a channel and the products to receive on it.
type Subscription struct {
	Name       Channel   `json:"name"`
	ProductIDs []Product `json:"product_ids"`
}

func (s *Subscription) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if err := checkRequired(fields, []string{"name", "product_ids"}); err != nil {
		return fmt.Errorf("subscription: %w", err)
	}
	type plain Subscription
	return json.Unmarshal(data, (*plain)(s))
}

// Message is a decoded inbound feed message. The concrete type is one of the
// pointer types in this file; switch on it to route messages.
type Message interface {
	MessageType() string
}

// Scoped is implemented by messages that belong to a single product.
type Scoped interface {
	Message
	Instrument() Product
}

// Sequenced is implemented by messages carrying a per-product sequence number.
type Sequenced interface {
	Scoped
	Seq() uint64
}

// OutgoingMessage is a request the client sends to GDAX.
type OutgoingMessage interface {
	Message
	outgoing()
}

// Subscribe requests the given channel/product pairs.
type Subscribe struct {
	Channels []Subscription `json:"channels"`
}

func (*Subscribe) MessageType() string { return "subscribe" }
func (*Subscribe) outgoing()           {}

type Ticker struct {
	ProductID Product     `json:"product_id"`
	Time      *time.Time  `json:"time"`
	Price     quant.Price `json:"price"`
	Side      *Side       `json:"side"`
	LastSize  *quant.Size `json:"last_size"`
	TradeID   *uint64     `json:"trade_id"`
	Sequence  uint64      `json:"sequence"`
	BestBid   quant.Price `json:"best_bid"`
	BestAsk   quant.Price `json:"best_ask"`
	High24h   quant.Price `json:"high_24h"`
	Open24h   quant.Price `json:"open_24h"`
	Low24h    quant.Price `json:"low_24h"`
	Volume24h quant.Size  `json:"volume_24h"`
	Volume30d quant.Size  `json:"volume_30d"`
}

// Error is a protocol error reported by GDAX, e.g. a rejected subscription.
type Error struct {
	Message string `json:"message"`
}

type Subscriptions struct {
	Channels []Subscription `json:"channels"`
}

type Received struct {
	ProductID Product      `json:"product_id"`
	ClientOID *uuid.UUID   `json:"client_oid"`
	OrderID   uuid.UUID    `json:"order_id"`
	OrderType OrderType    `json:"order_type"`
	Side      Side         `json:"side"`
	Sequence  uint64       `json:"sequence"`
	Time      time.Time    `json:"time"`
	Price     *quant.Price `json:"price"`
	Size      *quant.Size  `json:"size"`
	Funds     *quant.Size  `json:"funds"`
}

type Open struct {
	ProductID     Product     `json:"product_id"`
	OrderID       uuid.UUID   `json:"order_id"`
	Side          Side        `json:"side"`
	Sequence      uint64      `json:"sequence"`
	Price         quant.Price `json:"price"`
	Time          time.Time   `json:"time"`
	RemainingSize quant.Size  `json:"remaining_size"`
}

type Done struct {
	ProductID     Product      `json:"product_id"`
	OrderID       uuid.UUID    `json:"order_id"`
	Side          Side         `json:"side"`
	Reason        Reason       `json:"reason"`
	Sequence      uint64       `json:"sequence"`
	Price         *quant.Price `json:"price"`
	Time          time.Time    `json:"time"`
	RemainingSize *quant.Size  `json:"remaining_size"`
}

type Match struct {
	ProductID    Product     `json:"product_id"`
	MakerOrderID uuid.UUID   `json:"maker_order_id"`
	TakerOrderID uuid.UUID   `json:"taker_order_id"`
	Price        quant.Price `json:"price"`
	Sequence     uint64      `json:"sequence"`
	Side         Side        `json:"side"`
	Size         quant.Size  `json:"size"`
	Time         time.Time   `json:"time"`
	TradeID      uint64      `json:"trade_id"`
}

// LastMatch is sent once on subscribing to the matches channel.
type LastMatch Match

type Change struct {
	ProductID Product   `json:"product_id"`
	OrderID   uuid.UUID `json:"order_id"`
}

type MarginProfileUpdate struct {
	ProductID Product   `json:"product_id"`
	OrderID   uuid.UUID `json:"order_id"`
}

type Activate struct {
	ProductID Product   `json:"product_id"`
	OrderID   uuid.UUID `json:"order_id"`
}

type Heartbeat struct {
	Sequence    uint64    `json:"sequence"`
	LastTradeID uint64    `json:"last_trade_id"`
	ProductID   Product   `json:"product_id"`
	Time        time.Time `json:"time"`
}

// Level is one (price, size) pair of a snapshot, encoded as a 2-element array.
type Level struct {
	Price quant.Price
	Size  quant.Size
}

// Snapshot is the full level-2 book sent after subscribing.
type Snapshot struct {
	ProductID Product `json:"product_id"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
}

// LevelChange is one (side, price, size) entry of an l2update, encoded as a
// 3-element array.
type LevelChange struct {
	Side  Side
	Price quant.Price
	Size  quant.Size
}

// L2Update is an ordered batch of level changes for one product.
type L2Update struct {
	ProductID Product       `json:"product_id"`
	Time      *time.Time    `json:"time"`
	Changes   []LevelChange `json:"changes"`
}

func (*Ticker) MessageType() string              { return "ticker" }
func (*Error) MessageType() string               { return "error" }
func (*Subscriptions) MessageType() string       { return "subscriptions" }
func (*Received) MessageType() string            { return "received" }
func (*Open) MessageType() string                { return "open" }
func (*Done) MessageType() string                { return "done" }
func (*Match) MessageType() string               { return "match" }
func (*LastMatch) MessageType() string           { return "last_match" }
func (*Change) MessageType() string              { return "change" }
func (*MarginProfileUpdate) MessageType() string { return "margin_profile_update" }
func (*Activate) MessageType() string            { return "activate" }
func (*Heartbeat) MessageType() string           { return "heartbeat" }
func (*Snapshot) MessageType() string            { return "snapshot" }
func (*L2Update) MessageType() string            { return "l2update" }

func (m *Ticker) Instrument() Product              { return m.ProductID }
func (m *Received) Instrument() Product            { return m.ProductID }
func (m *Open) Instrument() Product                { return m.ProductID }
func (m *Done) Instrument() Product                { return m.ProductID }
func (m *Match) Instrument() Product               { return m.ProductID }
func (m *LastMatch) Instrument() Product           { return m.ProductID }
func (m *Change) Instrument() Product              { return m.ProductID }
func (m *MarginProfileUpdate) Instrument() Product { return m.ProductID }
func (m *Activate) Instrument() Product            { return m.ProductID }
func (m *Heartbeat) Instrument() Product           { return m.ProductID }
func (m *Snapshot) Instrument() Product            { return m.ProductID }
func (m *L2Update) Instrument() Product            { return m.ProductID }

func (m *Ticker) Seq() uint64    { return m.Sequence }
func (m *Received) Seq() uint64  { return m.Sequence }
func (m *Open) Seq() uint64      { return m.Sequence }
func (m *Done) Seq() uint64      { return m.Sequence }
func (m *Match) Seq() uint64     { return m.Sequence }
func (m *LastMatch) Seq() uint64 { return m.Sequence }
func (m *Heartbeat) Seq() uint64 { return m.Sequence }

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]quant.Decimal{l.Price, l.Size})
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("book level: want [price, size], got %d elements", len(raw))
	}
	if err := decodeElement(raw[0], &l.Price); err != nil {
		return fmt.Errorf("book level price: %w", err)
	}
	if err := decodeElement(raw[1], &l.Size); err != nil {
		return fmt.Errorf("book level size: %w", err)
	}
	return nil
}

func (c LevelChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{c.Side, c.Price, c.Size})
}

func (c *LevelChange) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("l2 change: want [side, price, size], got %d elements", len(raw))
	}
	if err := decodeElement(raw[0], &c.Side); err != nil {
		return fmt.Errorf("l2 change side: %w", err)
	}
	if err := decodeElement(raw[1], &c.Price); err != nil {
		return fmt.Errorf("l2 change price: %w", err)
	}
	if err := decodeElement(raw[2], &c.Size); err != nil {
		return fmt.Errorf("l2 change size: %w", err)
	}
	return nil
}

// decodeElement decodes one positional array element, which is never optional.
func decodeElement(raw json.RawMessage, dst any) error {
	if isNull(raw) {
		return errors.New("null value")
	}
	return json.Unmarshal(raw, dst)
}
