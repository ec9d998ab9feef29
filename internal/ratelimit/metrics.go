package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes per-tenant rate limit counters for observability
// (spec.md §4.9 "counters exposed for observability").
type Metrics struct {
	allowed  *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// NewMetrics creates the rate-limit metrics collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		allowed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime",
				Subsystem: "ratelimit",
				Name:      "allowed_total",
				Help:      "Total number of rate-limited operations permitted, by tenant and resource class.",
			},
			[]string{"tenant", "class"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime",
				Subsystem: "ratelimit",
				Name:      "rejected_total",
				Help:      "Total number of rate-limited operations rejected, by tenant and resource class.",
			},
			[]string{"tenant", "class"},
		),
	}
}

// Collectors returns every collector for registration with a Prometheus
// registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.allowed, m.rejected}
}

func (m *Metrics) observe(tenantExternalID string, class Class, allowed bool) {
	if allowed {
		m.allowed.WithLabelValues(tenantExternalID, string(class)).Inc()
	} else {
		m.rejected.WithLabelValues(tenantExternalID, string(class)).Inc()
	}
}
