package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/internal/infra"
)

func TestBootstrap_InitializeAndClose(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WHIM_HOME", home)

	cfg := infra.DefaultConfig()
	cfg.Feed.Sandbox = true

	var logs bytes.Buffer
	b := NewBootstrap(cfg, &logs)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	dataDir := filepath.Join(home, "data", "sandbox")
	assert.FileExists(t, filepath.Join(dataDir, "instance.lock"))
	assert.FileExists(t, filepath.Join(dataDir, "feed.db"))
	require.NotNil(t, b.Store)
	require.NotNil(t, b.Snapshots)

	endpoint, err := b.Store.GetMetadata(ctx, "endpoint")
	require.NoError(t, err)
	assert.Equal(t, feed.SandboxURL, endpoint)

	rec, err := b.Recorder(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.NextSeq())
	assert.Contains(t, logs.String(), "MessageStore initialized")

	b.Close()
	_, err = os.Stat(filepath.Join(dataDir, "instance.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestBootstrap_StorageDisabled(t *testing.T) {
	t.Setenv("WHIM_HOME", t.TempDir())

	cfg := infra.DefaultConfig()
	cfg.Storage.Enabled = false
	cfg.Snapshots.Enabled = false

	b := NewBootstrap(cfg, &bytes.Buffer{})
	require.NoError(t, b.Initialize(context.Background()))
	defer b.Close()

	assert.Nil(t, b.Store)
	assert.Nil(t, b.Snapshots)
}

func TestBootstrap_FeedBuilder(t *testing.T) {
	t.Setenv("WHIM_HOME", t.TempDir())

	cfg := infra.DefaultConfig()
	cfg.Feed.URL = "ws://127.0.0.1:9000"
	cfg.Feed.Subscriptions = []infra.SubscriptionConfig{{Channel: "level2", Products: []string{"ETH-USD"}}}

	b := NewBootstrap(cfg, &bytes.Buffer{})
	fb, err := b.FeedBuilder()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000", fb.Endpoint())
	assert.Equal(t, []feed.Subscription{{Name: feed.ChannelLevel2, ProductIDs: []feed.Product{feed.ETHUSD}}}, fb.Subscriptions())
}
