// Package v1 defines the Beam Broadcast Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). It carries
	// the client's last-seen sequence and the recovered-session hint.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypePublish requests storing and broadcasting a message (client -> server).
	TypePublish = "publish"
	// TypePublishAck confirms the message is durably recorded (server -> client).
	// It is sent for both fresh stores and absorbed duplicates; it is NOT sent
	// when storage is unavailable, so the client retries with the same token.
	TypePublishAck = "publish_ack"

	// TypeMessage carries one broadcast or replayed message (server -> client).
	TypeMessage = "message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePublish,
		TypePublishAck,
		TypeMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
//
// Resumed is the transport-recovery hint: when true the client kept its
// subscription state across the reconnect and no replay is needed.
// Cursor is the highest sequence the client has already applied; it is
// only consulted when Resumed is false. Zero means "has seen nothing".
type HelloPayload struct {
	Cursor  int64 `json:"cursor,omitempty"`
	Resumed bool  `json:"resumed,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// PublishPayload requests storing and broadcasting one message.
// Token is the client-generated idempotency token; resends after a lost
// ack MUST reuse the same token.
type PublishPayload struct {
	Token   string `json:"token"`
	Payload string `json:"payload"`
}

// PublishAckPayload confirms a publish request was durably recorded.
// Duplicate is true when a retry was absorbed; Seq is zero in that case.
type PublishAckPayload struct {
	Token     string `json:"token"`
	Seq       int64  `json:"seq,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// MessagePayload is one message delivered via fan-out or catch-up.
// Clients must apply it idempotently by Seq: the same sequence may arrive
// twice around the catch-up/fan-out boundary.
type MessagePayload struct {
	Seq     int64  `json:"seq"`
	Payload string `json:"payload"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
