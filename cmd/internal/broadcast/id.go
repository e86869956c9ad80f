package broadcast

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in logs and traces.
func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return newULID(now)
}

// NewNodeID returns a ULID identifying one worker process on the relay.
// Peers use it to skip envelopes they published themselves.
func NewNodeID(now time.Time) (string, error) {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as wire envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return newULID(now)
}
