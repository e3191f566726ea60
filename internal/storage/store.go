package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/casey/whim/internal/event"
	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/pkg/quant"
)

// MessageStore persists recorded feed messages in SQLite.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore opens (or creates) the store with WAL mode enabled.
func NewMessageStore(dbPath string) (*MessageStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Configure SQLite for append-heavy recording
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metadata table: %w", err)
	}

	// id is the recorder sequence; sequence is the exchange's per-product one
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			product TEXT NOT NULL DEFAULT '',
			sequence INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_product ON messages (product, sequence);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	return &MessageStore{db: db}, nil
}

// SaveMessage stores one recorded message.
func (s *MessageStore) SaveMessage(ctx context.Context, ev *event.FeedMessageEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, type, product, sequence, ts, payload) VALUES (?, ?, ?, ?, ?, ?)",
		ev.Seq, ev.MsgType, string(ev.Product), ev.Sequence, int64(ev.Ts), []byte(ev.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %d: %w", ev.Seq, err)
	}
	return nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (s *MessageStore) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata retrieves a value from the metadata table.
func (s *MessageStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// GetLastSeq returns the highest recorder sequence stored, or 0 when empty.
func (s *MessageStore) GetLastSeq(ctx context.Context) (uint64, error) {
	var lastSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM messages").Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !lastSeq.Valid {
		return 0, nil
	}
	return uint64(lastSeq.Int64), nil
}

// CountByType returns how many messages of each type are stored.
func (s *MessageStore) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM messages GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// ForEachMessage streams messages with id >= fromSeq in order.
// Iteration stops at the first error fn returns.
func (s *MessageStore) ForEachMessage(ctx context.Context, fromSeq uint64, fn func(*event.FeedMessageEvent) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, type, product, sequence, ts, payload FROM messages WHERE id >= ? ORDER BY id ASC",
		fromSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       int64
			typ      string
			product  string
			sequence int64
			ts       int64
			payload  []byte
		)
		if err := rows.Scan(&id, &typ, &product, &sequence, &ts, &payload); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}

		ev := &event.FeedMessageEvent{
			BaseEvent: event.BaseEvent{Seq: uint64(id), Ts: quant.TimeStamp(ts)},
			MsgType:   typ,
			Product:   feed.Product(product),
			Sequence:  uint64(sequence),
			Payload:   payload,
		}
		if err := fn(ev); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *MessageStore) Close() error {
	return s.db.Close()
}
