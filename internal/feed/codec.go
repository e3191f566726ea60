package feed

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// DecodeError wraps a failure to decode an inbound text frame.
// Malformed exchange data is not self-healing, so it ends the connection.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode feed message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var incoming = map[string]func() Message{
	"ticker":                func() Message { return &Ticker{} },
	"error":                 func() Message { return &Error{} },
	"subscriptions":         func() Message { return &Subscriptions{} },
	"received":              func() Message { return &Received{} },
	"open":                  func() Message { return &Open{} },
	"done":                  func() Message { return &Done{} },
	"match":                 func() Message { return &Match{} },
	"last_match":            func() Message { return &LastMatch{} },
	"change":                func() Message { return &Change{} },
	"margin_profile_update": func() Message { return &MarginProfileUpdate{} },
	"activate":              func() Message { return &Activate{} },
	"heartbeat":             func() Message { return &Heartbeat{} },
	"snapshot":              func() Message { return &Snapshot{} },
	"l2update":              func() Message { return &L2Update{} },
}

var (
	orderKeys = []string{"product_id", "order_id"}
	matchKeys = []string{"product_id", "maker_order_id", "taker_order_id", "price", "sequence", "side", "size", "time", "trade_id"}
)

// required lists the keys each variant must carry with a non-null value.
// Everything else is optional and decodes into a pointer field.
var required = map[string][]string{
	"ticker": {"product_id", "price", "sequence", "best_bid", "best_ask",
		"high_24h", "open_24h", "low_24h", "volume_24h", "volume_30d"},
	"error":                 {"message"},
	"subscriptions":         {"channels"},
	"received":              {"product_id", "order_id", "order_type", "side", "sequence", "time"},
	"open":                  {"product_id", "order_id", "side", "sequence", "price", "time", "remaining_size"},
	"done":                  {"product_id", "order_id", "side", "reason", "sequence", "time"},
	"match":                 matchKeys,
	"last_match":            matchKeys,
	"change":                orderKeys,
	"margin_profile_update": orderKeys,
	"activate":              orderKeys,
	"heartbeat":             {"sequence", "last_trade_id", "product_id", "time"},
	"snapshot":              {"product_id", "bids", "asks"},
	"l2update":              {"product_id", "changes"},
}

func checkRequired(fields map[string]json.RawMessage, keys []string) error {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			return fmt.Errorf("missing field `%s`", k)
		}
		if isNull(v) {
			return fmt.Errorf("field `%s` is null", k)
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DecodeMessage decodes one inbound JSON object, selecting the variant by its
// "type" field. Unknown types and missing or null required fields are decode
// errors.
func DecodeMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Payload: data, Err: err}
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, &DecodeError{Payload: data, Err: fmt.Errorf("missing field `type`")}
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, &DecodeError{Payload: data, Err: fmt.Errorf("field `type`: %w", err)}
	}

	newMessage, ok := incoming[typ]
	if !ok {
		return nil, &DecodeError{Payload: data, Err: fmt.Errorf("unknown variant %q", typ)}
	}
	if err := checkRequired(fields, required[typ]); err != nil {
		return nil, &DecodeError{Payload: data, Err: fmt.Errorf("%s: %w", typ, err)}
	}

	msg := newMessage()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Payload: data, Err: fmt.Errorf("%s: %w", typ, err)}
	}
	return msg, nil
}

// EncodeMessage serializes a message with its "type" tag as the first key.
func EncodeMessage(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a JSON object", msg.MessageType())
	}

	tag, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if rest := body[1:]; rest[0] != '}' {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
