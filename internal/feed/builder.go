package feed

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	LiveURL    = "wss://ws-feed.gdax.com"
	SandboxURL = "wss://ws-feed-public.sandbox.gdax.com"
)

// Builder configures and opens a Feed.
type Builder struct {
	sandbox       bool
	url           string
	subscriptions []Subscription
	maxPending    int
	logger        *slog.Logger
}

func NewBuilder() *Builder {
	return &Builder{maxPending: DefaultMaxPending}
}

// Sandbox selects the public sandbox endpoint instead of the live one.
func (b *Builder) Sandbox(sandbox bool) *Builder {
	b.sandbox = sandbox
	return b
}

// URL overrides the endpoint entirely.
func (b *Builder) URL(url string) *Builder {
	b.url = url
	return b
}

// Subscribe adds one channel for the given products.
func (b *Builder) Subscribe(channel Channel, products ...Product) *Builder {
	b.subscriptions = append(b.subscriptions, Subscription{Name: channel, ProductIDs: products})
	return b
}

// SubscribeToAll adds every channel for every product.
func (b *Builder) SubscribeToAll() *Builder {
	for _, ch := range AllChannels() {
		b.Subscribe(ch, AllProducts()...)
	}
	return b
}

// MaxPending bounds queued application messages; 0 disables the bound.
func (b *Builder) MaxPending(n int) *Builder {
	b.maxPending = n
	return b
}

func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Endpoint returns the URL Connect will dial.
func (b *Builder) Endpoint() string {
	switch {
	case b.url != "":
		return b.url
	case b.sandbox:
		return SandboxURL
	default:
		return LiveURL
	}
}

// Subscriptions returns the configured subscriptions.
func (b *Builder) Subscriptions() []Subscription {
	return append([]Subscription{}, b.subscriptions...)
}

// Connect dials the endpoint and returns an open Feed whose first queued
// outbound frame is the subscription request.
func (b *Builder) Connect(ctx context.Context, dialer Dialer) (*Feed, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := EncodeMessage(&Subscribe{Channels: b.Subscriptions()})
	if err != nil {
		return nil, err
	}

	url := b.Endpoint()
	t, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	logger.Info("🔌 Feed connected", "url", url, "subscriptions", len(b.subscriptions))

	f := newFeed(t, url, b.maxPending, logger)
	f.enqueue(Frame{Kind: FrameText, Data: sub}, true)
	if _, err := f.tryDrain(); err != nil {
		t.Close()
		return nil, err
	}
	return f, nil
}
