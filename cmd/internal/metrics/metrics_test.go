package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		503: "5xx",
		0:   "unknown",
		999: "unknown",
	}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Fatalf("StatusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestObserveGuard(t *testing.T) {
	before := testutil.ToFloat64(GuardDecisionsTotal.WithLabelValues("deny", "role_missing"))
	ObserveGuard("deny", "role_missing")
	after := testutil.ToFloat64(GuardDecisionsTotal.WithLabelValues("deny", "role_missing"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}

	beforeAllow := testutil.ToFloat64(GuardDecisionsTotal.WithLabelValues("allow", "none"))
	ObserveGuard("allow", "")
	if got := testutil.ToFloat64(GuardDecisionsTotal.WithLabelValues("allow", "none")); got != beforeAllow+1 {
		t.Fatalf("allow decisions should be labelled reason=none")
	}
}

func TestCollectorsRegistered(t *testing.T) {
	RealtimeConnections.Set(0)
	HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "2xx").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{}
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{"relay_realtime_connections_active", "relay_http_requests_total"} {
		if !seen[name] {
			t.Fatalf("metric %q not registered", name)
		}
	}
}
