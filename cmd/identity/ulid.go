package identity

import (
	"time"

	"relay/cmd/identity/ids"
)

// NewULID returns a new ULID (26-char string) for identity rows.
func NewULID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
