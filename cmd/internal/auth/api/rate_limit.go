package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"relay/cmd/internal/auth/ratelimit"
	"relay/cmd/internal/metrics"
)

type throttleKeys struct {
	email string
	ip    string
}

func loginThrottleKeys(email string, ip net.IP) throttleKeys {
	return throttleKeys{email: ratelimit.EmailKey(email), ip: ratelimit.IPKey(ip)}
}

// checkLoginThrottle runs the IP check first, then the email check.
// It returns the blocking scope ("ip" or "email"), or "" when the attempt may proceed.
func (h *Handler) checkLoginThrottle(ctx context.Context, keys throttleKeys) (string, time.Duration, error) {
	d, err := h.ipLimiter.Check(ctx, keys.ip)
	if err != nil {
		return "", 0, err
	}
	if !d.Allowed {
		return "ip", d.RetryAfter, nil
	}

	d, err = h.emailLimiter.Check(ctx, keys.email)
	if err != nil {
		return "", 0, err
	}
	if !d.Allowed {
		return "email", d.RetryAfter, nil
	}
	return "", 0, nil
}

// recordLoginFailure counts a failed attempt against both keys.
func (h *Handler) recordLoginFailure(ctx context.Context, keys throttleKeys) {
	if _, err := h.ipLimiter.Record(ctx, keys.ip); err != nil {
		h.log.Error("auth.login.throttle_ip.record.fail", "err", err)
	}
	if _, err := h.emailLimiter.Record(ctx, keys.email); err != nil {
		h.log.Error("auth.login.throttle_email.record.fail", "err", err)
	}
}

// clearLoginFailures resets the email counter after a successful login.
// The IP counter is left to expire on its own.
func (h *Handler) clearLoginFailures(ctx context.Context, keys throttleKeys) {
	if err := h.emailLimiter.Reset(ctx, keys.email); err != nil {
		h.log.Error("auth.login.throttle_reset.fail", "err", err)
	}
}

func writeRateLimited(w http.ResponseWriter, scope string, retryAfter time.Duration) {
	metrics.LoginThrottledTotal.WithLabelValues(scope).Inc()
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
