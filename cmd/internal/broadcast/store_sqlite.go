// Package broadcast contains Beam's message delivery core: the durable
// idempotent log, the reconnect catch-up resolver, and the cross-process
// broadcast fan-out.
package broadcast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
  seq     INTEGER PRIMARY KEY AUTOINCREMENT,
  token   TEXT NOT NULL UNIQUE,
  payload TEXT NOT NULL
);
`

// SQLiteStore is the default MessageStore: a single database file shared
// by every worker process.
//
// Concurrency model:
// - SQLite serializes writers itself; the store keeps one connection open
//   and relies on busy_timeout for short write contention.
// - Duplicate detection uses ON CONFLICT DO NOTHING + rows-affected, so the
//   public contract never depends on driver-specific error codes.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the sqlite-backed store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// NewSQLiteStore opens (creating if needed) the database file and ensures
// the messages table exists.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("broadcast: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// The pragmas are load-bearing: busy_timeout is the whole contention
	// story for concurrent workers, so failing to apply one fails the open.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("broadcast: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("broadcast: ensure schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendMessage persists a message with token uniqueness enforced at commit.
func (s *SQLiteStore) AppendMessage(ctx context.Context, token, payload string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("broadcast: nil store")
	}
	if strings.TrimSpace(token) == "" {
		return 0, errors.New("broadcast: empty token")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (token, payload) VALUES (?, ?)
		 ON CONFLICT(token) DO NOTHING`,
		token, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %v", ErrStorageUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return 0, ErrDuplicateToken
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", ErrStorageUnavailable, err)
	}
	return seq, nil
}

// FetchAfter returns messages with seq > AfterSeq ordered by seq ASC.
func (s *SQLiteStore) FetchAfter(ctx context.Context, in FetchAfterInput) (FetchAfterResult, error) {
	if s == nil || s.db == nil {
		return FetchAfterResult{}, errors.New("broadcast: nil store")
	}
	if err := ctx.Err(); err != nil {
		return FetchAfterResult{}, err
	}

	limit := clampFetchLimit(in.Limit)
	fetch := limit + 1

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, token, payload FROM messages
		  WHERE seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		in.AfterSeq, fetch,
	)
	if err != nil {
		return FetchAfterResult{}, fmt.Errorf("%w: query: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.Token, &m.Payload); err != nil {
			return FetchAfterResult{}, fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchAfterResult{}, fmt.Errorf("%w: rows: %v", ErrStorageUnavailable, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchAfterResult{Messages: msgs, HasMore: hasMore}, nil
}
