package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	"relay/cmd/internal/auth/ratelimit"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Login throttle windows, keyed by normalized email and by client IP.
	LoginEmail ratelimit.Config
	LoginIP    ratelimit.Config
}

// DefaultConfig returns the defaults LoadConfigFromEnv starts from.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 1 << 20, // 1 MiB
		LoginEmail:   ratelimit.Config{MaxAttempts: 5, Window: 15 * time.Minute, Prefix: "relay:login"},
		LoginIP:      ratelimit.Config{MaxAttempts: 20, Window: 5 * time.Minute, Prefix: "relay:login"},
	}
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()

	cfg := Config{
		TrustProxy:   envBool("RELAY_AUTH_TRUST_PROXY", false),
		MaxBodyBytes: envInt64("RELAY_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		LoginEmail: ratelimit.Config{
			MaxAttempts: envInt("RELAY_AUTH_LOGIN_EMAIL_MAX", def.LoginEmail.MaxAttempts),
			Window:      envDuration("RELAY_AUTH_LOGIN_EMAIL_WINDOW", def.LoginEmail.Window),
			Prefix:      def.LoginEmail.Prefix,
		},
		LoginIP: ratelimit.Config{
			MaxAttempts: envInt("RELAY_AUTH_LOGIN_IP_MAX", def.LoginIP.MaxAttempts),
			Window:      envDuration("RELAY_AUTH_LOGIN_IP_WINDOW", def.LoginIP.Window),
			Prefix:      def.LoginIP.Prefix,
		},
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
