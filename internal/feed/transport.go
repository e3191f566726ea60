package feed

import (
	"context"
)

// FrameKind distinguishes data frames from transport control frames.
type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one unit exchanged with the transport.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Transport is a message-oriented duplex connection with explicit
// backpressure on the send side. Implementations deliver inbound frames in
// arrival order and never reorder accepted outbound frames.
type Transport interface {
	// Frames yields inbound frames. It is closed at end of stream.
	Frames() <-chan Frame
	// Err explains why Frames was closed; nil for a clean end.
	Err() error
	// TrySend offers a frame without blocking. false means the send buffer
	// is full and the frame was not accepted.
	TrySend(Frame) (bool, error)
	// Writable is signalled when TrySend may succeed again.
	Writable() <-chan struct{}
	// Flush waits until every accepted frame has been written.
	Flush(ctx context.Context) error
	Close() error
}

// Dialer opens a Transport to a feed endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}
