package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/eapache/queue"
)

var (
	// ErrClosed is returned by Send once the feed has been closed.
	ErrClosed = errors.New("feed closed")
	// ErrQueueFull is returned by Send when MaxPending application messages
	// are already waiting. The message was not queued.
	ErrQueueFull = errors.New("feed outbound queue full")
)

// DefaultMaxPending bounds queued application messages.
const DefaultMaxPending = 1024

type outbound struct {
	frame Frame
	app   bool
}

// Feed is a duplex GDAX channel: typed messages in, protocol messages out.
//
// Outbound frames (subscriptions, pong replies, close acknowledgements) go
// through one FIFO queue. A frame leaves the queue only once the transport
// accepts it, so backpressure delays frames but never drops or reorders them.
// A Feed is owned by a single goroutine.
type Feed struct {
	transport  Transport
	pending    *queue.Queue
	appPending int
	maxPending int
	closed     bool
	url        string
	logger     *slog.Logger
	raw        []byte
}

func newFeed(t Transport, url string, maxPending int, logger *slog.Logger) *Feed {
	return &Feed{
		transport:  t,
		pending:    queue.New(),
		maxPending: maxPending,
		url:        url,
		logger:     logger,
	}
}

// URL returns the endpoint this feed is connected to.
func (f *Feed) URL() string { return f.url }

// Raw returns the text frame the last message from Next was decoded from.
// It is valid until the next call to Next.
func (f *Feed) Raw() []byte { return f.raw }

// Closed reports whether the peer closed the connection.
func (f *Feed) Closed() bool { return f.closed }

// Pending returns the number of frames waiting for the transport.
func (f *Feed) Pending() int { return f.pending.Length() }

func (f *Feed) enqueue(fr Frame, app bool) {
	f.pending.Add(outbound{frame: fr, app: app})
	if app {
		f.appPending++
	}
}

// tryDrain hands queued frames to the transport in order until it refuses
// one. It reports whether the queue is now empty.
func (f *Feed) tryDrain() (bool, error) {
	for f.pending.Length() > 0 {
		next := f.pending.Peek().(outbound)
		ok, err := f.transport.TrySend(next.frame)
		if err != nil {
			return false, fmt.Errorf("send %s frame: %w", next.frame.Kind, err)
		}
		if !ok {
			return false, nil
		}
		f.pending.Remove()
		if next.app {
			f.appPending--
		}
	}
	return true, nil
}

// Send queues msg behind any pending frames and tries to hand everything to
// the transport. ready is false when frames remain queued; they are kept in
// order and go out on a later Send, TryFlush, Flush or Next.
func (f *Feed) Send(msg OutgoingMessage) (ready bool, err error) {
	if f.closed {
		return false, ErrClosed
	}
	if _, err := f.tryDrain(); err != nil {
		return false, err
	}
	if f.maxPending > 0 && f.appPending >= f.maxPending {
		return false, ErrQueueFull
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return false, err
	}
	f.enqueue(Frame{Kind: FrameText, Data: data}, true)
	return f.tryDrain()
}

// TryFlush makes one non-blocking attempt to empty the queue.
func (f *Feed) TryFlush() (bool, error) {
	return f.tryDrain()
}

// Flush empties the queue, waiting for the transport to become writable
// between partial drains, then flushes the transport itself.
func (f *Feed) Flush(ctx context.Context) error {
	for {
		done, err := f.tryDrain()
		if err != nil {
			return err
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.transport.Writable():
		}
	}
	if err := f.transport.Flush(ctx); err != nil {
		return fmt.Errorf("flush transport: %w", err)
	}
	return nil
}

// Next returns the next decoded message. Control frames are answered
// transparently: a ping is queued for a pong before anything else is read, and
// a close is echoed back. Next returns io.EOF at end of stream and a
// *DecodeError for a text frame that does not decode.
func (f *Feed) Next(ctx context.Context) (Message, error) {
	for {
		if _, err := f.tryDrain(); err != nil {
			return nil, err
		}

		var writable <-chan struct{}
		if f.pending.Length() > 0 {
			writable = f.transport.Writable()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-writable:
			continue
		case fr, ok := <-f.transport.Frames():
			if !ok {
				f.closed = true
				if err := f.transport.Err(); err != nil {
					return nil, fmt.Errorf("feed transport: %w", err)
				}
				return nil, io.EOF
			}
			msg, err := f.handle(fr)
			if err != nil || msg != nil {
				return msg, err
			}
		}
	}
}

func (f *Feed) handle(fr Frame) (Message, error) {
	if f.closed {
		f.logger.Warn("Received frame after close", "kind", fr.Kind, "len", len(fr.Data))
		return nil, nil
	}

	switch fr.Kind {
	case FrameText:
		msg, err := DecodeMessage(fr.Data)
		if err != nil {
			return nil, err
		}
		warnDrift(f.logger, fr.Data, msg)
		f.raw = fr.Data
		return msg, nil
	case FramePing:
		f.enqueue(Frame{Kind: FramePong, Data: fr.Data}, false)
	case FrameClose:
		f.closed = true
		f.enqueue(Frame{Kind: FrameClose, Data: fr.Data}, false)
		f.logger.Info("Feed closed by peer", "url", f.url)
	case FramePong:
		f.logger.Warn("Got pong from GDAX", "data", fr.Data)
	case FrameBinary:
		f.logger.Warn("Got binary message from GDAX", "len", len(fr.Data))
	default:
		f.logger.Warn("Got unknown frame from GDAX", "kind", fr.Kind)
	}
	return nil, nil
}

// Close releases the transport.
func (f *Feed) Close() error {
	return f.transport.Close()
}
