package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the decoded token payload.
type Claims struct {
	ID        string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issued is a freshly signed token together with its claims.
type Issued struct {
	Token  string
	Claims Claims
}

// Codec issues and verifies HS256 tokens. It is safe for concurrent use.
type Codec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	leeway time.Duration
}

// NewCodec validates cfg and copies the secret so later mutation of cfg has no effect.
func NewCodec(cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &Codec{
		secret: secret,
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
	}, nil
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue signs a token for subject, valid from now until now+TTL (second precision).
func (c *Codec) Issue(subject string, now time.Time) (Issued, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Issued{}, errors.New("token: empty subject")
	}
	if now.IsZero() {
		now = time.Now()
	}

	iat := jwt.NewNumericDate(now.UTC())
	exp := jwt.NewNumericDate(iat.Add(c.ttl))

	rc := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    c.issuer,
		Subject:   subject,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rc).SignedString(c.secret)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		Token: signed,
		Claims: Claims{
			ID:        rc.ID,
			Subject:   subject,
			IssuedAt:  iat.Time,
			ExpiresAt: exp.Time,
		},
	}, nil
}

// Verify decodes raw and checks it against the clock reading now.
//
// Security contract:
// - Every failure collapses to ErrInvalid; callers never learn which check failed.
// - Only HMAC-SHA256 is accepted (no "none", no algorithm confusion).
// - Expired means now >= exp (minus configured leeway).
func (c *Codec) Verify(raw string, now time.Time) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalid
	}
	if now.IsZero() {
		now = time.Now()
	}

	var rc jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(raw, &rc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalid
	}
	if strings.TrimSpace(rc.Subject) == "" || rc.ExpiresAt == nil || rc.IssuedAt == nil {
		return Claims{}, ErrInvalid
	}

	return Claims{
		ID:        rc.ID,
		Subject:   rc.Subject,
		IssuedAt:  rc.IssuedAt.Time,
		ExpiresAt: rc.ExpiresAt.Time,
	}, nil
}
