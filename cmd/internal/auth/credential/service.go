// Package credential implements registration, login and token renewal on top of an identity.Store,
// a password hasher and a token issuer.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relay/cmd/identity"
	"relay/cmd/security/password"
	"relay/cmd/security/token"
)

// maxLoginPasswordBytes bounds the work an anonymous login request can cause.
const maxLoginPasswordBytes = 1024

// PasswordHasher is satisfied by password.Config.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(encodedHash, plain string) (bool, error)
	NeedsRehash(encodedHash string) bool
}

// TokenIssuer is satisfied by *token.Codec.
type TokenIssuer interface {
	Issue(subject string, now time.Time) (token.Issued, error)
}

// RegisterInput is the raw registration request. Email and FullName are normalized by Register.
type RegisterInput struct {
	Email    string
	Password string
	FullName string
	Roles    []identity.Role
}

// Result is returned by Register, Login and Renew.
// Identity never carries a password hash.
type Result struct {
	Identity identity.Identity
	Token    token.Issued
}

// Service owns the credential lifecycle.
type Service struct {
	log    *slog.Logger
	store  identity.Store
	hasher PasswordHasher
	tokens TokenIssuer
	now    func() time.Time

	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service. A dummy hash is computed up front so Login spends
// comparable time whether or not the email exists.
func NewService(log *slog.Logger, store identity.Store, hasher PasswordHasher, tokens TokenIssuer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential: nil store")
	}
	if hasher == nil {
		return nil, errors.New("credential: nil password hasher")
	}
	if tokens == nil {
		return nil, errors.New("credential: nil token issuer")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		log:    log,
		store:  store,
		hasher: hasher,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	dummy, err := hasher.Hash("dummy-password-for-timing-only")
	if err != nil {
		return nil, fmt.Errorf("credential: dummy hash: %w", err)
	}
	s.dummyHash = dummy

	return s, nil
}

// Register validates and persists a new identity and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Result, error) {
	const op = "credential.Register"

	email := identity.NormalizeEmail(in.Email)
	if !identity.ValidEmail(email) {
		return Result{}, invalidField("email", "must be a valid email address")
	}
	fullName := identity.NormalizeFullName(in.FullName)
	if !identity.ValidFullName(fullName) {
		return Result{}, invalidField("fullName", "must be between 1 and 120 characters")
	}
	roles, err := identity.ParseRoles(identity.RoleStrings(in.Roles))
	if err != nil {
		return Result{}, invalidField("roles", err.Error())
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		if password.IsPolicyViolation(err) {
			return Result{}, invalidField("password", err.Error())
		}
		return Result{}, fmt.Errorf("%s: hash: %w", op, err)
	}

	now := s.now()
	created, err := s.store.Create(ctx, identity.CreateInput{
		Email:        email,
		PasswordHash: hash,
		FullName:     fullName,
		Roles:        roles,
		Now:          now,
	})
	if err != nil {
		if ce, ok := identity.ConflictDetail(err); ok {
			return Result{}, &DuplicateError{Field: ce.Field, Detail: ce.Detail}
		}
		if identity.IsInvalidInput(err) {
			return Result{}, invalidField("identity", err.Error())
		}
		s.log.Error("credential.register.fail", "op", op, "err", err)
		return Result{}, ErrInternalPersistence
	}

	return s.issue(op, created, now)
}

// Login checks email and password. An unknown email and a wrong password are indistinguishable
// to the caller. Inactive identities still receive a token; the guard refuses it.
func (s *Service) Login(ctx context.Context, email, plain string) (Result, error) {
	const op = "credential.Login"

	email = identity.NormalizeEmail(email)
	if email == "" || plain == "" {
		return Result{}, invalidField("credentials", "email and password are required")
	}
	if len(plain) > maxLoginPasswordBytes {
		_, _ = s.hasher.Verify(s.dummyHash, plain[:maxLoginPasswordBytes])
		return Result{}, ErrInvalidCredentials
	}

	ident, err := s.store.FindByEmail(ctx, email, true)
	if err != nil {
		if identity.IsNotFound(err) {
			// Timing resistance: perform a dummy verify when the identity is missing.
			_, _ = s.hasher.Verify(s.dummyHash, plain)
			return Result{}, ErrInvalidCredentials
		}
		s.log.Error("credential.login.lookup.fail", "op", op, "err", err)
		return Result{}, ErrInternalPersistence
	}

	ok, err := s.hasher.Verify(ident.PasswordHash, plain)
	if err != nil {
		s.log.Warn("credential.login.hash_invalid", "identity_id", ident.ID, "err", err)
		return Result{}, ErrInvalidCredentials
	}
	if !ok {
		return Result{}, ErrInvalidCredentials
	}

	if s.hasher.NeedsRehash(ident.PasswordHash) {
		s.rehash(ctx, ident.ID, plain)
	}

	return s.issue(op, ident, s.now())
}

// Renew issues a fresh token for an identity that has already been authorized.
func (s *Service) Renew(_ context.Context, ident identity.Identity) (Result, error) {
	const op = "credential.Renew"

	if strings.TrimSpace(ident.ID) == "" {
		return Result{}, invalidField("identity", "missing id")
	}
	return s.issue(op, ident, s.now())
}

func (s *Service) issue(op string, ident identity.Identity, now time.Time) (Result, error) {
	issued, err := s.tokens.Issue(ident.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("%s: issue token: %w", op, err)
	}
	return Result{Identity: ident.Public(), Token: issued}, nil
}

// rehash upgrades a legacy or weaker stored hash after a successful login. Failures are
// logged only; the login itself already succeeded.
func (s *Service) rehash(ctx context.Context, id, plain string) {
	hash, err := s.hasher.Hash(plain)
	if err != nil {
		s.log.Warn("credential.rehash.fail", "identity_id", id, "err", err)
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, id, hash); err != nil {
		s.log.Warn("credential.rehash.fail", "identity_id", id, "err", err)
		return
	}
	s.log.Info("credential.rehash.ok", "identity_id", id)
}
