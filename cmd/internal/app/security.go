package app

import (
	"errors"
	"fmt"
	"log/slog"

	"relay/cmd/security/token"
)

// buildTokenConfig merges token.FromEnv with the app-level secret.
//
// With DevInsecureSecret and no configured secret, a random secret is generated.
// Tokens signed with it do not survive a restart.
func buildTokenConfig(cfg Config, log *slog.Logger) (token.Config, error) {
	tcfg, err := token.FromEnv()
	if err != nil {
		return token.Config{}, err
	}

	switch {
	case cfg.TokenSecret != "":
		tcfg.Secret = []byte(cfg.TokenSecret)
	case cfg.DevInsecureSecret:
		secret, err := token.NewRandomSecret(token.MinSecretBytes)
		if err != nil {
			return token.Config{}, fmt.Errorf("security: generate dev secret: %w", err)
		}
		tcfg.Secret = []byte(secret)
		log.Warn("security.dev_insecure_secret",
			"detail", "using an ephemeral token secret; issued tokens are invalid after restart",
		)
	default:
		return token.Config{}, errors.New("security: " + token.SecretEnvKey + " is missing")
	}

	if err := tcfg.Validate(); err != nil {
		switch {
		case errors.Is(err, token.ErrSecretMissing):
			return token.Config{}, errors.New("security: " + token.SecretEnvKey + " is missing")
		case errors.Is(err, token.ErrSecretTooShort):
			return token.Config{}, fmt.Errorf("security: %s is too short (min %d bytes)", token.SecretEnvKey, token.MinSecretBytes)
		default:
			return token.Config{}, fmt.Errorf("security: %w", err)
		}
	}
	return tcfg, nil
}
