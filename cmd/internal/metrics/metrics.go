// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// AuthOutcomesTotal counts credential operations (register, login, renew) by outcome.
	AuthOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_outcomes_total",
			Help: "Credential operation outcomes",
		},
		[]string{"operation", "outcome"},
	)

	// LoginThrottledTotal counts logins rejected by the throttle, by key scope (email or ip).
	LoginThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_login_throttled_total",
			Help: "Login attempts rejected by the throttle",
		},
		[]string{"scope"},
	)

	// GuardDecisionsTotal counts authorization decisions.
	GuardDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_guard_decisions_total",
			Help: "Authorization decisions",
		},
		[]string{"decision", "reason"},
	)

	// RealtimeConnections tracks registered realtime connections.
	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_realtime_connections_active",
			Help: "Registered realtime connections",
		},
	)

	// RealtimeBroadcastsTotal counts broadcast events by envelope type.
	RealtimeBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_realtime_broadcasts_total",
			Help: "Broadcast events",
		},
		[]string{"type"},
	)

	// RealtimeDroppedTotal counts per-connection deliveries dropped because the send queue was full.
	RealtimeDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_realtime_dropped_total",
			Help: "Dropped realtime deliveries",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthOutcomesTotal,
		LoginThrottledTotal,
		GuardDecisionsTotal,
		RealtimeConnections,
		RealtimeBroadcastsTotal,
		RealtimeDroppedTotal,
	)
}

// StatusClass maps an HTTP status to "2xx", "4xx" etc.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// ObserveGuard is a guard.WithObserver callback.
func ObserveGuard(decision, reason string) {
	if reason == "" {
		reason = "none"
	}
	GuardDecisionsTotal.WithLabelValues(decision, reason).Inc()
}
