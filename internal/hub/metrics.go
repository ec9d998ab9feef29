package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes ChannelHub activity counters, the fan-out equivalent
// of internal/ratelimit's Metrics.
type Metrics struct {
	joins      *prometheus.CounterVec
	leaves     *prometheus.CounterVec
	broadcasts *prometheus.CounterVec
}

// NewMetrics creates the ChannelHub metrics collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		joins: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "realtime", Subsystem: "hub", Name: "joins_total", Help: "Total channel joins, by tenant."},
			[]string{"tenant"},
		),
		leaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "realtime", Subsystem: "hub", Name: "leaves_total", Help: "Total channel leaves, by tenant."},
			[]string{"tenant"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "realtime", Subsystem: "hub", Name: "broadcasts_total", Help: "Total broadcast events dispatched, by tenant."},
			[]string{"tenant"},
		),
	}
}

// Collectors returns every collector for registration with a Prometheus
// registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.joins, m.leaves, m.broadcasts}
}

func (m *Metrics) observeJoin(tenantExternalID string)      { m.joins.WithLabelValues(tenantExternalID).Inc() }
func (m *Metrics) observeLeave(tenantExternalID string)     { m.leaves.WithLabelValues(tenantExternalID).Inc() }
func (m *Metrics) observeBroadcast(tenantExternalID string) { m.broadcasts.WithLabelValues(tenantExternalID).Inc() }
