package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryLimiter is the single-process fallback used when no redis address is configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	windows map[string]window
}

// NewMemoryLimiter creates an in-process limiter. now may be nil.
func NewMemoryLimiter(cfg Config, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		cfg:     cfg.normalized(),
		now:     now,
		windows: make(map[string]window),
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.current(key, now)
	if !ok {
		return Decision{Allowed: true}, nil
	}
	return l.decide(w, now), nil
}

func (l *MemoryLimiter) Record(_ context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.current(key, now)
	if !ok {
		w = window{resetAt: now.Add(l.cfg.Window)}
	}
	w.count++
	l.windows[key] = w

	l.sweep(now)
	return l.decide(w, now), nil
}

func (l *MemoryLimiter) Reset(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, k := range keys {
		delete(l.windows, k)
	}
	return nil
}

// current returns the live window for key; expired windows are dropped. Caller holds mu.
func (l *MemoryLimiter) current(key string, now time.Time) (window, bool) {
	w, ok := l.windows[key]
	if !ok {
		return window{}, false
	}
	if !now.Before(w.resetAt) {
		delete(l.windows, key)
		return window{}, false
	}
	return w, true
}

func (l *MemoryLimiter) decide(w window, now time.Time) Decision {
	if w.count < int64(l.cfg.MaxAttempts) {
		return Decision{Allowed: true, Count: w.count}
	}
	return Decision{Allowed: false, Count: w.count, RetryAfter: w.resetAt.Sub(now)}
}

// sweep bounds memory by dropping expired windows once the map grows. Caller holds mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	if len(l.windows) < 4096 {
		return
	}
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
