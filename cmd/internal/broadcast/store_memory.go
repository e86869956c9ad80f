package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore is a dev/test fallback when no database is configured.
// It keeps the same contract as the durable stores: idempotent append,
// monotonic seq, ascending FetchAfter paging. The log is append-only and
// never truncated, so it grows with every message; restart the process to
// reclaim the memory. Not for production.
type InMemoryStore struct {
	mu     sync.Mutex
	seq    int64
	dedupe map[string]int64 // token -> seq
	msgs   []Message        // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		dedupe: make(map[string]int64),
		msgs:   make([]Message, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, token, payload string) (int64, error) {
	if strings.TrimSpace(token) == "" {
		return 0, errors.New("broadcast: empty token")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dedupe[token]; ok {
		return 0, ErrDuplicateToken
	}

	s.seq++
	m := Message{Seq: s.seq, Token: token, Payload: payload}
	s.dedupe[token] = m.Seq
	s.msgs = append(s.msgs, m)

	return m.Seq, nil
}

// FetchAfter returns messages ordered by seq ASC with paging via AfterSeq.
func (s *InMemoryStore) FetchAfter(ctx context.Context, in FetchAfterInput) (FetchAfterResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchAfterResult{}, err
	}

	limit := clampFetchLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	snap := append([]Message(nil), s.msgs...)
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchAfterResult{}, nil
	}

	start := sort.Search(len(snap), func(i int) bool { return snap[i].Seq > in.AfterSeq })
	if start >= len(snap) {
		return FetchAfterResult{}, nil
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchAfterResult{Messages: out, HasMore: hasMore}, nil
}
