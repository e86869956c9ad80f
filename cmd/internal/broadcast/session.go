package broadcast

import (
	"sync"

	v1 "beam/shared/contracts/broadcast/v1"
)

// Session represents one connected websocket session and its delivery state.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - Resumed and Cursor are fixed at establishment; the session is discarded
//   on disconnect and never persisted.
type Session struct {
	ID      string
	Resumed bool
	Cursor  int64
	Send    chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(id string, resumed bool, cursor int64, sendQueueSize int) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	if cursor < 0 {
		cursor = 0
	}
	return &Session{
		ID:      id,
		Resumed: resumed,
		Cursor:  cursor,
		Send:    make(chan v1.Envelope, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
