package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL, for deployments
// where workers span machines and a single database file cannot be shared.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Duplicate detection uses ON CONFLICT DO NOTHING RETURNING: the absent row
// is the duplicate signal, never a vendor error code.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("broadcast: nil pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the messages table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("broadcast: nil store")
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
		  seq     BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		  token   TEXT NOT NULL UNIQUE,
		  payload TEXT NOT NULL
		)`)
	return err
}

// AppendMessage persists a message with token uniqueness enforced at commit.
func (s *PostgresStore) AppendMessage(ctx context.Context, token, payload string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("broadcast: nil store")
	}
	if token == "" {
		return 0, errors.New("broadcast: empty token")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (token, payload) VALUES ($1, $2)
		 ON CONFLICT (token) DO NOTHING
		 RETURNING seq`,
		token, payload,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrDuplicateToken
	}
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %v", ErrStorageUnavailable, err)
	}
	return seq, nil
}

// FetchAfter returns messages with seq > AfterSeq ordered by seq ASC.
func (s *PostgresStore) FetchAfter(ctx context.Context, in FetchAfterInput) (FetchAfterResult, error) {
	if s == nil || s.pool == nil {
		return FetchAfterResult{}, errors.New("broadcast: nil store")
	}
	if err := ctx.Err(); err != nil {
		return FetchAfterResult{}, err
	}

	limit := clampFetchLimit(in.Limit)
	fetch := limit + 1

	rows, err := s.pool.Query(ctx,
		`SELECT seq, token, payload FROM messages
		  WHERE seq > $1
		  ORDER BY seq ASC
		  LIMIT $2`,
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
