package identity

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the Store used when no database is configured, and by tests.
// It enforces the same email uniqueness as the Postgres schema.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Identity
	byEmail map[string]string // email -> id
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Identity),
		byEmail: make(map[string]string),
	}
}

// Create inserts a new identity; a taken email yields ConflictError.
func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Identity, error) {
	const op = "identity.MemoryStore.Create"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	ident, err := newIdentity(op, in)
	if err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[ident.Email]; taken {
		return Identity{}, ConflictError{
			Op:     op,
			Field:  "email",
			Detail: fmt.Sprintf("Key (email)=(%s) already exists.", ident.Email),
		}
	}

	s.byID[ident.ID] = ident
	s.byEmail[ident.Email] = ident.ID

	return ident, nil
}

// FindByEmail looks up by normalized email.
func (s *MemoryStore) FindByEmail(ctx context.Context, email string, includeHash bool) (Identity, error) {
	const op = "identity.MemoryStore.FindByEmail"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Identity{}, NotFoundError{Op: op, Resource: "identity"}
	}
	out := s.byID[id]
	out.Roles = slices.Clone(out.Roles)
	if !includeHash {
		out.PasswordHash = ""
	}
	return out, nil
}

// FindByID looks up by ID. PasswordHash is never populated.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (Identity, error) {
	const op = "identity.MemoryStore.FindByID"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return Identity{}, NotFoundError{Op: op, Resource: "identity"}
	}
	return out.Public(), nil
}

// UpdatePasswordHash replaces the stored hash.
func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, id string, hash string) error {
	const op = "identity.MemoryStore.UpdatePasswordHash"

	if strings.TrimSpace(hash) == "" {
		return invalid(op, "empty password hash")
	}
	return s.update(ctx, op, id, func(i *Identity) { i.PasswordHash = hash })
}

// SetActive flips IsActive.
func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, "identity.MemoryStore.SetActive", id, func(i *Identity) { i.IsActive = active })
}

func (s *MemoryStore) update(ctx context.Context, op, id string, fn func(*Identity)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return NotFoundError{Op: op, Resource: "identity"}
	}
	fn(&ident)
	s.byID[ident.ID] = ident
	return nil
}

// newIdentity validates a CreateInput and builds the row both stores persist.
func newIdentity(op string, in CreateInput) (Identity, error) {
	email := NormalizeEmail(in.Email)
	if !ValidEmail(email) {
		return Identity{}, invalid(op, "invalid email")
	}
	name := NormalizeFullName(in.FullName)
	if !ValidFullName(name) {
		return Identity{}, invalid(op, "invalid full name")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return Identity{}, invalid(op, "password hash is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewULID(now)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		ID:           id,
		Email:        email,
		PasswordHash: in.PasswordHash,
		FullName:     name,
		IsActive:     true,
		Roles:        NormalizeRoles(in.Roles),
		CreatedAt:    now,
	}, nil
}
