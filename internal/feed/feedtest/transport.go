// Package feedtest provides an in-memory feed.Transport for deterministic tests.
package feedtest

import (
	"context"
	"errors"
	"sync"

	"github.com/casey/whim/internal/feed"
)

var ErrTransportClosed = errors.New("feedtest: transport closed")

// Transport is an in-memory feed.Transport. Its send side has a number of
// slots; TrySend fails once they are used up until Grant adds more.
type Transport struct {
	mu       sync.Mutex
	frames   chan feed.Frame
	writable chan struct{}
	slots    int
	sent     []feed.Frame
	err      error
	sendErr  error
	ended    bool
	closed   bool
}

// Unlimited disables send backpressure.
const Unlimited = -1

// NewTransport returns a transport with the given number of send slots.
func NewTransport(slots int) *Transport {
	return &Transport{
		frames:   make(chan feed.Frame, 256),
		writable: make(chan struct{}, 1),
		slots:    slots,
	}
}

func (t *Transport) Frames() <-chan feed.Frame { return t.frames }
func (t *Transport) Writable() <-chan struct{} { return t.writable }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) TrySend(fr feed.Frame) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return false, t.sendErr
	}
	if t.closed {
		return false, ErrTransportClosed
	}
	if t.slots == 0 {
		return false, nil
	}
	if t.slots > 0 {
		t.slots--
	}
	t.sent = append(t.sent, fr)
	return true, nil
}

func (t *Transport) Flush(ctx context.Context) error { return ctx.Err() }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Grant adds send slots and signals writability.
func (t *Transport) Grant(n int) {
	t.mu.Lock()
	if t.slots != Unlimited {
		t.slots += n
	}
	t.mu.Unlock()
	select {
	case t.writable <- struct{}{}:
	default:
	}
}

// FailSends makes every later TrySend return err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Push delivers an inbound frame.
func (t *Transport) Push(fr feed.Frame) {
	t.frames <- fr
}

// PushText delivers an inbound text frame.
func (t *Transport) PushText(s string) {
	t.Push(feed.Frame{Kind: feed.FrameText, Data: []byte(s)})
}

// End closes the inbound stream; err is what Err reports afterwards.
func (t *Transport) End(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	t.err = err
	close(t.frames)
}

// Sent returns a copy of every frame accepted so far, in order.
func (t *Transport) Sent() []feed.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]feed.Frame(nil), t.sent...)
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Dialer hands out prepared transports in order and records dialed URLs.
type Dialer struct {
	mu         sync.Mutex
	transports []*Transport
	urls       []string
	Err        error
}

func NewDialer(ts ...*Transport) *Dialer {
	return &Dialer{transports: ts}
}

func (d *Dialer) Dial(ctx context.Context, url string) (feed.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.transports) == 0 {
		return nil, errors.New("feedtest: no transport left to dial")
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	return t, nil
}

// URLs returns every URL dialed so far.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
