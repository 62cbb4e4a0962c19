// Package guard makes authorization decisions for every entry point: HTTP handlers go through
// Require, realtime connections call Authorize directly.
//
// Decision order:
//   - token fails verification, identity missing, identity inactive: ErrUnauthenticated
//   - no roles required: allow
//   - held roles intersect required roles: allow, otherwise ErrForbidden
//
// Roles have no hierarchy; admin does not imply user.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/cmd/identity"
	"relay/cmd/security/token"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInternal        = errors.New("authorization unavailable")
)

// Deny reasons. Log-only; never sent to clients.
const (
	ReasonTokenInvalid     = "token_invalid"
	ReasonIdentityMissing  = "identity_missing"
	ReasonIdentityInactive = "identity_inactive"
	ReasonRoleMissing      = "role_missing"
	ReasonStoreFailure     = "store_failure"
)

// DenyError is returned by Authorize. Kind is one of the package sentinels.
type DenyError struct {
	Kind   error
	Reason string
	Err    error
}

func (e *DenyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v (%s)", e.Kind, e.Reason)
}

func (e *DenyError) Unwrap() error { return e.Kind }

// ReasonOf returns the deny reason carried by err, or "".
func ReasonOf(err error) string {
	var de *DenyError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// TokenVerifier is satisfied by *token.Codec.
type TokenVerifier interface {
	Verify(raw string, now time.Time) (token.Claims, error)
}

// IdentityLoader is the subset of identity.Store the guard needs.
type IdentityLoader interface {
	FindByID(ctx context.Context, id string) (identity.Identity, error)
}

// Guard is stateless apart from its collaborators and safe for concurrent use.
type Guard struct {
	tokens  TokenVerifier
	store   IdentityLoader
	now     func() time.Time
	log     *slog.Logger
	observe func(decision, reason string)
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger used by the HTTP middleware.
func WithLogger(log *slog.Logger) Option {
	return func(g *Guard) {
		if log != nil {
			g.log = log
		}
	}
}

// WithObserver registers a callback invoked once per decision ("allow" or "deny") with its reason.
func WithObserver(fn func(decision, reason string)) Option {
	return func(g *Guard) { g.observe = fn }
}

// New constructs a Guard.
func New(tokens TokenVerifier, store IdentityLoader, opts ...Option) (*Guard, error) {
	if tokens == nil {
		return nil, errors.New("guard: nil token verifier")
	}
	if store == nil {
		return nil, errors.New("guard: nil identity store")
	}
	g := &Guard{
		tokens: tokens,
		store:  store,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Authorize verifies rawToken, loads its identity and checks required roles.
// The returned identity never carries a password hash.
func (g *Guard) Authorize(ctx context.Context, rawToken string, required ...identity.Role) (identity.Identity, error) {
	ident, err := g.authorize(ctx, rawToken, required)
	if g.observe != nil {
		if err != nil {
			g.observe("deny", ReasonOf(err))
		} else {
			g.observe("allow", "")
		}
	}
	return ident, err
}

func (g *Guard) authorize(ctx context.Context, rawToken string, required []identity.Role) (identity.Identity, error) {
	claims, err := g.tokens.Verify(rawToken, g.now())
	if err != nil {
		return identity.Identity{}, &DenyError{Kind: ErrUnauthenticated, Reason: ReasonTokenInvalid}
	}

	ident, err := g.store.FindByID(ctx, claims.Subject)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.Identity{}, &DenyError{Kind: ErrUnauthenticated, Reason: ReasonIdentityMissing}
		}
		return identity.Identity{}, &DenyError{Kind: ErrInternal, Reason: ReasonStoreFailure, Err: err}
	}
	if !ident.IsActive {
		return identity.Identity{}, &DenyError{Kind: ErrUnauthenticated, Reason: ReasonIdentityInactive}
	}

	if len(required) > 0 && !identity.HasAnyRole(ident.Roles, required...) {
		return identity.Identity{}, &DenyError{Kind: ErrForbidden, Reason: ReasonRoleMissing}
	}

	return ident.Public(), nil
}
