package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// SecretEnvKey is the env var name for the signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "RELAY_TOKEN_SECRET"

	DefaultTTL     = time.Hour
	DefaultIssuer  = "relay"
	MinSecretBytes = 32
	maxLeeway      = 5 * time.Minute
)

// Config is the immutable signing configuration, built once at startup.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Leeway time.Duration
}

// Validate reports configuration errors. NewCodec refuses an invalid Config.
func (c Config) Validate() error {
	if len(c.Secret) == 0 {
		return ErrSecretMissing
	}
	if len(c.Secret) < MinSecretBytes {
		return ErrSecretTooShort
	}
	if c.TTL <= 0 {
		return fmt.Errorf("token ttl must be positive, got %s", c.TTL)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("token issuer is empty")
	}
	if c.Leeway < 0 || c.Leeway > maxLeeway {
		return fmt.Errorf("token leeway out of range [0..%s]", maxLeeway)
	}
	return nil
}

// FromEnv reads RELAY_TOKEN_* into a Config. The result is not validated; NewCodec does that.
func FromEnv() (Config, error) {
	cfg := Config{
		Secret: SecretFromEnv(),
		TTL:    DefaultTTL,
		Issuer: DefaultIssuer,
	}

	if v := strings.TrimSpace(os.Getenv("RELAY_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("RELAY_TOKEN_TTL: %w", err)
		}
		cfg.TTL = d
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_TOKEN_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_TOKEN_LEEWAY")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("RELAY_TOKEN_LEEWAY: %w", err)
		}
		cfg.Leeway = d
	}
	return cfg, nil
}

// SecretFromEnv returns the trimmed secret bytes, or nil when unset.
// We measure bytes (not runes) because the key is used as raw HMAC key material.
func SecretFromEnv() []byte {
	raw := strings.TrimSpace(os.Getenv(SecretEnvKey))
	if raw == "" {
		return nil
	}
	return []byte(raw)
}

// NewRandomSecret returns n random bytes encoded as URL-safe base64.
// Used for dev runs where tokens need not survive a restart.
func NewRandomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
