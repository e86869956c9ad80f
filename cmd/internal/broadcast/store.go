package broadcast

import (
	"context"
	"errors"
)

// Message is the canonical persisted message representation.
// Payload is opaque: it is transported verbatim and never interpreted.
type Message struct {
	Seq     int64
	Token   string
	Payload string
}

var (
	// ErrDuplicateToken reports that a message with the same idempotency
	// token is already stored. The prior message is left untouched.
	ErrDuplicateToken = errors.New("broadcast: duplicate idempotency token")

	// ErrStorageUnavailable reports a transient storage fault. The message
	// was NOT acknowledged as stored; the client retries with the same token.
	ErrStorageUnavailable = errors.New("broadcast: storage unavailable")
)

// MessageStore persists and queries the broadcast log.
//
// Requirements:
//   - Token uniqueness enforced at the point of commit (this is the sole
//     mechanism giving exactly-once stored effect over client retries)
//   - Seq strictly increasing, consistent with insertion order
//   - FetchAfter ordered by seq ASC, safe to call concurrently with AppendMessage
type MessageStore interface {
	// AppendMessage durably persists a new message and returns its assigned
	// sequence. Either the message becomes durably visible with a fresh
	// sequence, or the store is left exactly as it was and the error is
	// ErrDuplicateToken or wraps ErrStorageUnavailable.
	AppendMessage(ctx context.Context, token, payload string) (int64, error)

	// FetchAfter returns a window of messages with seq > AfterSeq, ordered
	// ascending. Callers page by advancing AfterSeq while HasMore is true.
	FetchAfter(ctx context.Context, in FetchAfterInput) (FetchAfterResult, error)

	Close() error
}

// FetchAfterInput describes one catch-up window request.
type FetchAfterInput struct {
	AfterSeq int64
	Limit    int
}

// FetchAfterResult contains the retrieved window.
type FetchAfterResult struct {
	Messages []Message
	HasMore  bool
}

func clampFetchLimit(limit int) int {
	if limit <= 0 {
		return defaultFetchLimit
	}
	if limit > maxFetchLimit {
		return maxFetchLimit
	}
	return limit
}
