package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	v1 "beam/shared/contracts/broadcast/v1"
)

// DefaultRelayChannel is the relay channel shared by all Beam workers.
const DefaultRelayChannel = "beam.broadcast"

// relayEnvelope is the cross-process wire format. NodeID identifies the
// publishing worker so it can skip its own envelopes (the local leg has
// already delivered them).
type relayEnvelope struct {
	NodeID  string `json:"node_id"`
	Seq     int64  `json:"seq"`
	Payload string `json:"payload"`
}

// Broadcaster delivers newly ingested messages to every live session in
// every worker process.
//
// Two-level fan-out:
//   - local leg: iterate this worker's session registry and enqueue directly
//   - cross-process leg: publish a relay envelope; peer workers deliver to
//     their own registries on receipt
//
// Delivery is best-effort: a session with a full send queue is skipped, not
// retried. A client that misses a message reconciles via catch-up on its
// next reconnect.
type Broadcaster struct {
	log     *slog.Logger
	nodeID  string
	relay   Relay
	channel string

	mu       sync.RWMutex
	sessions map[string]*Session

	startOnce sync.Once
	closeOnce sync.Once
	sub       io.Closer
}

// NewBroadcaster constructs a Broadcaster bound to the given relay.
func NewBroadcaster(log *slog.Logger, relay Relay, channel string) (*Broadcaster, error) {
	if channel == "" {
		channel = DefaultRelayChannel
	}

	nodeID, err := NewNodeID(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	return &Broadcaster{
		log:      log,
		nodeID:   nodeID,
		relay:    relay,
		channel:  channel,
		sessions: make(map[string]*Session),
	}, nil
}

// NodeID returns this worker's relay identity.
func (b *Broadcaster) NodeID() string { return b.nodeID }

// Start subscribes to the relay channel. Idempotent.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}

	var subErr error
	b.startOnce.Do(func() {
		sub, err := b.relay.Subscribe(ctx, b.channel, b.handleRelayPayload)
		if err != nil {
			subErr = err
			return
		}
		b.sub = sub
	})
	return subErr
}

// Close stops relay consumption. Attached sessions are left to their owners.
func (b *Broadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.sub != nil {
			err = b.sub.Close()
		}
	})
	return err
}

// Attach registers a session for fan-out delivery.
//
// Callers MUST attach before starting catch-up for the session: it closes
// the window in which a message ingested mid-replay would be missed
// entirely. The cost is possible duplicate delivery around the boundary,
// which clients absorb by applying messages idempotently per sequence.
func (b *Broadcaster) Attach(s *Session) {
	if b == nil || s == nil || s.ID == "" {
		return
	}

	b.mu.Lock()
	b.sessions[s.ID] = s
	n := len(b.sessions)
	b.mu.Unlock()

	metricLiveSessions.Set(float64(n))
	b.log.Info("fanout.session.attach", "session_id", s.ID, "live", n)
}

// Detach removes a session from the registry and signals its shutdown.
func (b *Broadcaster) Detach(sessionID string) {
	if b == nil || sessionID == "" {
		return
	}

	b.mu.Lock()
	s := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	n := len(b.sessions)
	b.mu.Unlock()

	// Signal shutdown after removal so a concurrent broadcaster never holds
	// a pointer to a session that is being torn down.
	if s != nil {
		s.Close()
	}

	metricLiveSessions.Set(float64(n))
	b.log.Info("fanout.session.detach", "session_id", sessionID, "live", n)
}

// PublishToAll delivers one ingested message to every live session across
// every worker. Ordering among local sessions is unspecified.
func (b *Broadcaster) PublishToAll(ctx context.Context, seq int64, payload string) {
	if b == nil {
		return
	}

	b.deliverLocal(seq, payload, "local")

	if b.relay == nil {
		return
	}

	data, err := json.Marshal(relayEnvelope{NodeID: b.nodeID, Seq: seq, Payload: payload})
	if err != nil {
		b.log.Error("fanout.relay.marshal.fail", "seq", seq, "err", err)
		return
	}
	if err := b.relay.Publish(ctx, b.channel, data); err != nil {
		// Local delivery already happened; peers reconcile via catch-up.
		b.log.Warn("fanout.relay.publish.fail", "seq", seq, "err", err)
	}
}

func (b *Broadcaster) handleRelayPayload(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Warn("fanout.relay.unmarshal.fail", "err", err)
		return
	}
	if env.NodeID == b.nodeID {
		return
	}
	b.deliverLocal(env.Seq, env.Payload, "relay")
}

// deliverLocal fans out to all locally attached sessions.
// Non-blocking: if a session queue is full or shutting down, it is skipped.
func (b *Broadcaster) deliverLocal(seq int64, payload, leg string) {
	env, err := NewMessageEnvelope(seq, payload, time.Now().UTC())
	if err != nil {
		b.log.Error("fanout.envelope.fail", "seq", seq, "err", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.sessions {
		if s == nil {
			continue
		}

		select {
		case <-s.Done():
			continue
		default:
		}

		select {
		case s.Send <- env:
			metricFanoutDelivered.WithLabelValues(leg).Inc()
		default:
			// Drop rather than block the whole fan-out.
			metricFanoutDropped.Inc()
		}
	}
}

// NewMessageEnvelope builds the wire envelope for one broadcast or replayed message.
func NewMessageEnvelope(seq int64, payload string, ts time.Time) (v1.Envelope, error) {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}

	p, err := json.Marshal(v1.MessagePayload{Seq: seq, Payload: payload})
	if err != nil {
		return v1.Envelope{}, err
	}

	return v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessage,
		ID:      id,
		TS:      ts,
		Payload: p,
	}, nil
}
