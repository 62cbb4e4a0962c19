// Package ratelimit throttles failed login attempts per normalized email and per client IP.
//
// Both implementations use fixed windows: the first failure in a window starts the window,
// later failures only increment. A key is blocked once its count reaches MaxAttempts and stays
// blocked until the window expires or Reset is called after a successful login.
package ratelimit

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

var (
	// ErrUnavailable wraps backend failures (redis down, timeouts).
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// Config is shared by both limiters.
type Config struct {
	MaxAttempts int
	Window      time.Duration
	Prefix      string
}

// DefaultConfig allows 5 failures per 15 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Window:      15 * time.Minute,
		Prefix:      "relay:login",
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = def.Prefix
	}
	return c
}

// Decision is the outcome of Check or Record.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter is implemented by RedisLimiter and MemoryLimiter.
type Limiter interface {
	// Check reports whether key may attempt a login, without counting.
	Check(ctx context.Context, key string) (Decision, error)
	// Record counts one failure for key.
	Record(ctx context.Context, key string) (Decision, error)
	// Reset clears keys.
	Reset(ctx context.Context, keys ...string) error
}

// EmailKey builds the limiter key for a normalized email.
func EmailKey(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}

// IPKey builds the limiter key for a client IP. A nil IP yields "".
func IPKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return "ip:" + ip.String()
}
