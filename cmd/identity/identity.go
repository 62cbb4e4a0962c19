package identity

import (
	"slices"
	"time"
)

// Identity is a registered principal.
type Identity struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"fullName"`
	IsActive     bool      `json:"isActive"`
	Roles        []Role    `json:"roles"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Public returns a copy safe for outward-facing layers: no hash, own roles slice.
func (i Identity) Public() Identity {
	i.PasswordHash = ""
	i.Roles = slices.Clone(i.Roles)
	return i
}

// CreateInput describes a new identity. PasswordHash is already hashed by the caller.
type CreateInput struct {
	Email        string
	PasswordHash string
	FullName     string
	Roles        []Role
	Now          time.Time
}
