package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatalf("fourth event inside the window should be denied")
	}

	// The first event leaves the window at base+1s.
	if !rl.Allow(base.Add(time.Second)) {
		t.Fatalf("event after the oldest expired should be allowed")
	}
	if rl.Allow(base.Add(time.Second + 50*time.Millisecond)) {
		t.Fatalf("window should still be full")
	}
	if !rl.Allow(base.Add(3 * time.Second)) {
		t.Fatalf("quiet period should reset the window")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed under default limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("default limit should apply")
	}
}
