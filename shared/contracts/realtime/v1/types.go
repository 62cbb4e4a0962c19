// Package v1 defines the relay realtime protocol v1 contract.
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

// Version is the protocol version embedded into every envelope.
const Version = 1

// Type constants (wire-stable).
const (
	// TypeMessageSend requests broadcasting a chat message (client -> server).
	TypeMessageSend = "message.send"

	// TypeSessionReady is the first envelope on a registered connection (server -> client).
	TypeSessionReady = "session.ready"
	// TypePresenceChanged carries the full list of registered connections (server -> all).
	TypePresenceChanged = "presence.changed"
	// TypeMessageNew broadcasts an accepted chat message, the sender included (server -> all).
	TypeMessageNew = "message.new"
	// TypeHistorySnapshot replays recent messages to a newly registered connection (server -> client).
	TypeHistorySnapshot = "history.snapshot"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadEnvelope    = "bad_envelope"
	CodeBadPayload     = "bad_payload"
	CodeUnsupported    = "unsupported_type"
	CodeTextTooLong    = "text_too_long"
	CodeRateLimited    = "rate_limited"
	CodeServerError    = "server_error"
	CodeSessionEvicted = "session_evicted"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the current version.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %d", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeMessageSend,
		TypeSessionReady,
		TypePresenceChanged,
		TypeMessageNew,
		TypeHistorySnapshot,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// MessageSendPayload requests broadcasting text to every registered connection.
type MessageSendPayload struct {
	Text string `json:"text"`
}

// Identity is the public view of a connected principal.
type Identity struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	Roles    []string `json:"roles"`
}

// SessionReadyPayload tells the client its connection id and who it is.
type SessionReadyPayload struct {
	ConnectionID string   `json:"connection_id"`
	Identity     Identity `json:"identity"`
}

// Presence is one registered connection.
type Presence struct {
	ConnectionID string    `json:"connection_id"`
	IdentityID   string    `json:"identity_id"`
	FullName     string    `json:"full_name"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// PresenceChangedPayload is the full registry snapshot after a connect or disconnect.
type PresenceChangedPayload struct {
	Connections []Presence `json:"connections"`
}

// MessageNewPayload is broadcast when a chat message is accepted.
type MessageNewPayload struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}

// HistorySnapshotPayload replays recent messages, oldest first.
type HistorySnapshotPayload struct {
	Messages []MessageNewPayload `json:"messages"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
