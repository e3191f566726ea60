package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casey/whim/internal/feed"
)

// ErrTransportClosed is returned by TrySend after Close.
var ErrTransportClosed = errors.New("ws transport closed")

// WSDialer opens gorilla/websocket connections as feed transports.
type WSDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	Logger           *slog.Logger
}

// NewWSDialer creates a dialer with the default timeouts.
func NewWSDialer(sendBuffer int, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBuffer:       sendBuffer,
		Logger:           logger,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (feed.Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	header := make(http.Header)
	header.Set("User-Agent", UserAgent())

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws handshake (%s): %w", resp.Status, err)
		}
		return nil, err
	}
	return newWSTransport(conn, d), nil
}

// WSTransport adapts a websocket.Conn to feed.Transport. A reader goroutine
// surfaces data and control frames in arrival order; a writer goroutine owns
// every write. Nothing is answered automatically: pongs and close
// acknowledgements come from the feed.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	frames   chan feed.Frame
	out      chan feed.Frame
	writable chan struct{}
	idle     chan struct{}
	pending  atomic.Int64

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	readErr  error
	writeErr error

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func newWSTransport(conn *websocket.Conn, d *WSDialer) *WSTransport {
	sendBuffer := d.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	t := &WSTransport{
		conn:         conn,
		logger:       d.Logger,
		frames:       make(chan feed.Frame, 64),
		out:          make(chan feed.Frame, sendBuffer),
		writable:     make(chan struct{}, 1),
		idle:         make(chan struct{}, 1),
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}

	conn.SetPingHandler(func(data string) error {
		t.extendReadDeadline()
		t.deliver(feed.Frame{Kind: feed.FramePing, Data: []byte(data)})
		return nil
	})
	conn.SetPongHandler(func(data string) error {
		t.deliver(feed.Frame{Kind: feed.FramePong, Data: []byte(data)})
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		t.deliver(feed.Frame{Kind: feed.FrameClose, Data: websocket.FormatCloseMessage(code, text)})
		return nil
	})

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()
	return t
}

func (t *WSTransport) Frames() <-chan feed.Frame { return t.frames }
func (t *WSTransport) Writable() <-chan struct{} { return t.writable }

func (t *WSTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readErr
}

func (t *WSTransport) TrySend(fr feed.Frame) (bool, error) {
	if err := t.writeError(); err != nil {
		return false, err
	}
	select {
	case <-t.done:
		return false, ErrTransportClosed
	default:
	}

	t.pending.Add(1)
	select {
	case t.out <- fr:
		return true, nil
	default:
		t.pending.Add(-1)
		return false, nil
	}
}

// Flush blocks until every accepted frame has been written.
func (t *WSTransport) Flush(ctx context.Context) error {
	for t.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.idle:
		case <-t.writerDone:
			if err := t.writeError(); err != nil {
				return err
			}
			return ErrTransportClosed
		}
	}
	return t.writeError()
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.frames)

	for {
		t.extendReadDeadline()
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.finishRead(err)
			return
		}

		kind := feed.FrameText
		if msgType == websocket.BinaryMessage {
			kind = feed.FrameBinary
		}
		if !t.deliver(feed.Frame{Kind: kind, Data: data}) {
			return
		}
	}
}

func (t *WSTransport) finishRead(err error) {
	select {
	case <-t.done:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.logger.Warn("WS Read error", "err", err)
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
}

func (t *WSTransport) deliver(fr feed.Frame) bool {
	select {
	case t.frames <- fr:
		return true
	case <-t.done:
		return false
	}
}

func (t *WSTransport) extendReadDeadline() {
	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
}

func (t *WSTransport) writeLoop() {
	defer t.wg.Done()
	defer close(t.writerDone)

	for {
		select {
		case <-t.done:
			return
		case fr := <-t.out:
			err := t.write(fr)
			if t.pending.Add(-1) == 0 {
				signal(t.idle)
			}
			signal(t.writable)
			if err != nil {
				t.logger.Warn("WS Write error", "kind", fr.Kind, "err", err)
				t.mu.Lock()
				t.writeErr = err
				t.mu.Unlock()
				return
			}
		}
	}
}

func (t *WSTransport) write(fr feed.Frame) error {
	var deadline time.Time
	if t.writeTimeout > 0 {
		deadline = time.Now().Add(t.writeTimeout)
	}

	switch fr.Kind {
	case feed.FramePing:
		return t.conn.WriteControl(websocket.PingMessage, fr.Data, deadline)
	case feed.FramePong:
		return t.conn.WriteControl(websocket.PongMessage, fr.Data, deadline)
	case feed.FrameClose:
		return t.conn.WriteControl(websocket.CloseMessage, fr.Data, deadline)
	case feed.FrameBinary:
		t.conn.SetWriteDeadline(deadline)
		return t.conn.WriteMessage(websocket.BinaryMessage, fr.Data)
	default:
		t.conn.SetWriteDeadline(deadline)
		return t.conn.WriteMessage(websocket.TextMessage, fr.Data)
	}
}

func (t *WSTransport) writeError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeErr
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
