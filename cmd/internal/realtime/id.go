package realtime

import (
	"time"

	"relay/cmd/identity/ids"

	"github.com/google/uuid"
)

// NewConnectionID returns a random v4 UUID identifying one live connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}

// NewMessageID returns a ULID for a chat message; history sorts by it.
func NewMessageID(now time.Time) string {
	return ids.MustULID(now)
}
