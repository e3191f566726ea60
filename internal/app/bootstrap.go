package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/casey/whim/internal/engine"
	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/internal/infra"
	"github.com/casey/whim/internal/sink"
	"github.com/casey/whim/internal/storage"
)

// Bootstrap orchestrates the recorder startup sequence and owns every
// resource it opens.
type Bootstrap struct {
	Config    *infra.Config
	Logger    *slog.Logger
	Store     *storage.MessageStore
	Snapshots *storage.SnapshotManager

	workDir string
	closers []func()
}

// NewBootstrap sets up logging for cfg. Logs go to w.
func NewBootstrap(cfg *infra.Config, w io.Writer) *Bootstrap {
	logger := infra.NewLogger(cfg, w)
	slog.SetDefault(logger)
	return &Bootstrap{Config: cfg, Logger: logger, workDir: infra.GetWorkspaceDir()}
}

// Initialize performs core system initialization: data directories, the
// single-instance lock, the message store and the snapshot directory.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	b.Logger.Info("🚀 Bootstrapping whim...", slog.String("env", infra.EnvName(b.Config.Feed.Sandbox)))

	// Data isolation: <workspace>/data/{live,sandbox}
	dataDir := infra.DataDir(b.workDir, b.Config.Feed.Sandbox)
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Two recorders writing one store would interleave sequences
	unlock, err := infra.CreateLockFile(dataDir)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, unlock)

	if b.Config.Storage.Enabled {
		dbPath := b.Config.Storage.Path
		if dbPath == "" {
			dbPath = infra.DefaultDBPath(b.workDir, b.Config.Feed.Sandbox)
		}
		store, err := storage.NewMessageStore(dbPath)
		if err != nil {
			return err
		}
		b.Store = store
		b.closers = append(b.closers, func() { store.Close() })

		now := time.Now().UnixMicro()
		if err := store.UpsertMetadata(ctx, "endpoint", b.endpoint(), now); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
		if err := store.UpsertMetadata(ctx, "started_at", strconv.FormatInt(now, 10), now); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
		b.Logger.Info("✅ MessageStore initialized (WAL-mode)", slog.String("path", dbPath))
	}

	if b.Config.Snapshots.Enabled {
		b.Snapshots = storage.NewSnapshotManager(infra.SnapshotDir(b.workDir, b.Config.Feed.Sandbox), b.Logger)
	}
	return nil
}

// FeedBuilder returns a builder for the configured endpoint and subscriptions.
func (b *Bootstrap) FeedBuilder() (*feed.Builder, error) {
	subs, err := b.Config.Subscriptions()
	if err != nil {
		return nil, err
	}
	fb := feed.NewBuilder().
		Sandbox(b.Config.Feed.Sandbox).
		URL(b.Config.Feed.URL).
		MaxPending(b.Config.Feed.MaxPending).
		Logger(b.Logger)
	for _, s := range subs {
		fb.Subscribe(s.Name, s.ProductIDs...)
	}
	return fb, nil
}

func (b *Bootstrap) endpoint() string {
	fb, err := b.FeedBuilder()
	if err != nil {
		return ""
	}
	return fb.Endpoint()
}

// Recorder wires the feed, store, snapshots and enabled sinks into a
// Recorder. Sinks that cannot connect fail startup.
func (b *Bootstrap) Recorder(ctx context.Context) (*engine.Recorder, error) {
	fb, err := b.FeedBuilder()
	if err != nil {
		return nil, err
	}

	cfg := engine.Config{
		Logger:        b.Logger,
		Snapshots:     b.Snapshots,
		KeepSnapshots: b.Config.Snapshots.Keep,
		BackOff:       infra.NewReconnectBackOff(),
		DumpPath:      filepath.Join(infra.DataDir(b.workDir, b.Config.Feed.Sandbox), "panic_dump.json"),
	}
	if b.Store != nil {
		cfg.Store = b.Store
	}

	if b.Config.Redis.Enabled {
		client, closeFn, err := sink.NewRedisClient(ctx, b.Config.Redis.Addr, b.Config.Redis.Password, b.Config.Redis.DB)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { closeFn() })
		cfg.QuoteSinks = append(cfg.QuoteSinks, sink.NewRedisWriter(client, b.Logger))
		b.Logger.Info("✅ Redis top-of-book writer ready", slog.String("addr", b.Config.Redis.Addr))
	}

	if b.Config.Kafka.Enabled {
		client, err := sink.NewKafkaClient(b.Config.Kafka.Brokers)
		if err != nil {
			return nil, err
		}
		pub := sink.NewKafkaPublisher(client, b.Config.Kafka.Topic, b.Logger)
		b.closers = append(b.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Close(ctx); err != nil {
				b.Logger.Warn("Kafka flush incomplete", slog.Any("error", err))
			}
		})
		cfg.MessageSinks = append(cfg.MessageSinks, pub)
		b.Logger.Info("✅ Kafka publisher ready",
			slog.Any("brokers", b.Config.Kafka.Brokers),
			slog.String("topic", b.Config.Kafka.Topic))
	}

	dialer := infra.NewWSDialer(b.Config.Feed.SendBuffer, b.Logger)
	return engine.NewRecorder(fb, dialer, cfg), nil
}

// Close releases resources in reverse order of acquisition.
func (b *Bootstrap) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
