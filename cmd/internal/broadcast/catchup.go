package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCatchUpFailed reports a catch-up run interrupted by a storage fault.
// It is non-fatal: the connection proceeds to live fan-out and the client
// reconciles from its own last-seen sequence on the next reconnect.
var ErrCatchUpFailed = errors.New("broadcast: catch-up failed")

// Resolver replays messages a reconnecting session has not seen.
//
// Per-connection state machine: Connecting -> {Resumed | CatchingUp} -> Live.
// There is no way back to CatchingUp without a full reconnect.
type Resolver struct {
	log      *slog.Logger
	store    MessageStore
	pageSize int
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(log *slog.Logger, store MessageStore) *Resolver {
	return &Resolver{log: log, store: store, pageSize: defaultFetchLimit}
}

// Resolve replays all messages with seq > session.Cursor to that session
// alone, strictly ascending. It is a no-op for resumed sessions: the
// transport already guarantees no gap.
//
// Replay enqueues block (unlike fan-out) so a slow reader cannot silently
// lose its own replay; a disconnect mid-replay abandons the rest.
func (r *Resolver) Resolve(ctx context.Context, s *Session) error {
	if s == nil {
		return errors.New("broadcast: nil session")
	}
	if s.Resumed {
		return nil
	}

	cursor := s.Cursor
	replayed := 0

	for {
		out, err := r.store.FetchAfter(ctx, FetchAfterInput{AfterSeq: cursor, Limit: r.pageSize})
		if err != nil {
			metricCatchupFailures.Inc()
			return fmt.Errorf("%w: session=%s after_seq=%d: %v", ErrCatchUpFailed, s.ID, cursor, err)
		}

		for _, m := range out.Messages {
			env, err := NewMessageEnvelope(m.Seq, m.Payload, time.Now().UTC())
			if err != nil {
				metricCatchupFailures.Inc()
				return fmt.Errorf("%w: session=%s seq=%d: %v", ErrCatchUpFailed, s.ID, m.Seq, err)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-s.Done():
				// Connection is gone; abandon the remaining replay silently.
				return nil
			case s.Send <- env:
				metricCatchupReplayed.Inc()
				replayed++
			}
			cursor = m.Seq
		}

		if !out.HasMore {
			break
		}
	}

	if replayed > 0 {
		r.log.Info("catchup.done", "session_id", s.ID, "from_seq", s.Cursor, "replayed", replayed)
	}
	return nil
}
