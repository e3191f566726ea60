package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/casey/whim/internal/book"
	"github.com/casey/whim/internal/feed"
)

// Snapshot is a point-in-time dump of every order book.
type Snapshot struct {
	Seq    uint64                          `json:"seq"` // Last recorded message
	TsUnix int64                           `json:"ts"`
	Books  map[feed.Product]*feed.Snapshot `json:"books"`
}

// CreateSnapshot copies the books' levels, zero-size levels included.
func CreateSnapshot(seq uint64, books map[feed.Product]*book.OrderBook) *Snapshot {
	snap := &Snapshot{
		Seq:    seq,
		TsUnix: time.Now().Unix(),
		Books:  make(map[feed.Product]*feed.Snapshot, len(books)),
	}
	for p, b := range books {
		snap.Books[p] = &feed.Snapshot{
			ProductID: p,
			Bids:      toLevels(b.Bids()),
			Asks:      toLevels(b.Asks()),
		}
	}
	return snap
}

func toLevels(in []book.Level) []feed.Level {
	out := make([]feed.Level, len(in))
	for i, l := range in {
		out[i] = feed.Level{Price: l.Price, Size: l.Size}
	}
	return out
}

// OrderBooks rebuilds the books captured in the snapshot.
func (s *Snapshot) OrderBooks() map[feed.Product]*book.OrderBook {
	out := make(map[feed.Product]*book.OrderBook, len(s.Books))
	for p, fs := range s.Books {
		out[p] = book.FromSnapshot(fs)
	}
	return out
}

// SnapshotManager handles saving and loading snapshot files.
type SnapshotManager struct {
	dir    string
	logger *slog.Logger
}

// NewSnapshotManager stores snapshot files in dir.
func NewSnapshotManager(dir string, logger *slog.Logger) *SnapshotManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotManager{dir: dir, logger: logger}
}

func (sm *SnapshotManager) Dir() string { return sm.dir }

// Save writes a snapshot to disk and returns its path.
func (sm *SnapshotManager) Save(snap *Snapshot) (string, error) {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TsUnix)
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Write then rename so a crash never leaves a truncated snapshot
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit snapshot: %w", err)
	}

	sm.logger.Info("Snapshot saved",
		slog.Uint64("seq", snap.Seq),
		slog.Int("books", len(snap.Books)),
		slog.String("path", path))

	return path, nil
}

type snapFile struct {
	path string
	seq  uint64
	ts   int64
}

// list returns snapshot files, newest first.
func (sm *SnapshotManager) list() ([]snapFile, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return nil, err
	}

	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var f snapFile
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &f.seq, &f.ts); err != nil {
			continue
		}
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		f.path = filepath.Join(sm.dir, entry.Name())
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].seq != files[j].seq {
			return files[i].seq > files[j].seq
		}
		return files[i].ts > files[j].ts
	})
	return files, nil
}

// LoadLatest loads the most recent snapshot. It returns nil when none exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	files, err := sm.list()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	data, err := os.ReadFile(files[0].path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	sm.logger.Info("Snapshot loaded",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", files[0].path))

	return &snap, nil
}

// Cleanup removes old snapshots, keeping only the latest keepCount.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	files, err := sm.list()
	if err != nil {
		return err
	}
	if len(files) <= keepCount {
		return nil
	}

	for _, f := range files[keepCount:] {
		if err := os.Remove(f.path); err != nil {
			sm.logger.Warn("Failed to remove old snapshot", slog.String("path", f.path))
		} else {
			sm.logger.Info("Removed old snapshot", slog.String("path", f.path))
		}
	}
	return nil
}
