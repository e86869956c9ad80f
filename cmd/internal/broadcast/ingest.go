package broadcast

import (
	"context"
	"errors"
	"log/slog"
)

// AckState describes the outcome of one publish attempt.
type AckState int

const (
	// AckStored: this call newly persisted the message and triggered its broadcast.
	AckStored AckState = iota + 1
	// AckAlreadyStored: a retry was absorbed; the message is safely recorded
	// and no second broadcast was triggered.
	AckAlreadyStored
	// AckPending: storage was unavailable. The publisher receives no
	// acknowledgment and retries with the same token after its own timeout.
	AckPending
)

// Ack is the result of Ingestor.Publish. Seq is set only for AckStored.
type Ack struct {
	State AckState
	Seq   int64
}

// Acked reports whether the publisher should be sent an acknowledgment.
func (a Ack) Acked() bool {
	return a.State == AckStored || a.State == AckAlreadyStored
}

// Ingestor turns publish requests into store appends, absorbing duplicate
// retries without duplicating stored effect or broadcasts.
//
// A duplicate race between two concurrent attempts for the same token
// resolves at the store's uniqueness constraint: exactly one attempt
// observes a fresh append and triggers exactly one broadcast.
type Ingestor struct {
	log    *slog.Logger
	store  MessageStore
	fanout *Broadcaster
}

// NewIngestor constructs an Ingestor over the given store and fan-out.
func NewIngestor(log *slog.Logger, store MessageStore, fanout *Broadcaster) *Ingestor {
	return &Ingestor{log: log, store: store, fanout: fanout}
}

// Publish appends the message and, when newly stored, broadcasts it to all
// live sessions before the caller acknowledges the publisher.
//
// The append and the broadcast are detached from the caller's lifetime: a
// publisher that disconnects mid-flight must not roll back the append or
// suppress delivery to everyone else. Only the ack ever dies with the
// connection.
func (i *Ingestor) Publish(ctx context.Context, token, payload string) Ack {
	ctx = context.WithoutCancel(ctx)

	seq, err := i.store.AppendMessage(ctx, token, payload)

	switch {
	case err == nil:
		metricPublishTotal.WithLabelValues("stored").Inc()
		if i.fanout != nil {
			i.fanout.PublishToAll(ctx, seq, payload)
		}
		return Ack{State: AckStored, Seq: seq}

	case errors.Is(err, ErrDuplicateToken):
		// The original call already broadcast (or is in flight); telling the
		// publisher the message is recorded stops its retry loop.
		metricPublishTotal.WithLabelValues("duplicate").Inc()
		i.log.Debug("ingest.duplicate", "token", token)
		return Ack{State: AckAlreadyStored}

	default:
		// Deliberately no client-visible error: the missing ack is the only
		// signal, collapsing "failed" and "lost" into one retryable state.
		metricPublishTotal.WithLabelValues("pending").Inc()
		i.log.Warn("ingest.append.fail", "token", token, "err", err)
		return Ack{State: AckPending}
	}
}
