package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the registry's per-backend snapshot as Prometheus
// gauges, generalizing the teacher's promauto-declared static metric
// vars (internal/gateway/metrics/collector.go) into a dynamic Collector:
// edgeProxy's backend set changes at runtime, so the metric families are
// built fresh on every scrape from Registry.Snapshot rather than declared
// once at package init.
type Collector struct {
	reg *Registry

	activeConns *prometheus.Desc
	lastRTT     *prometheus.Desc
}

// NewCollector wraps reg for Prometheus registration.
func NewCollector(reg *Registry) *Collector {
	return &Collector{
		reg: reg,
		activeConns: prometheus.NewDesc(
			"edgeproxy_backend_active_connections",
			"Current number of active connections to a backend.",
			[]string{"backend_id"}, nil,
		),
		lastRTT: prometheus.NewDesc(
			"edgeproxy_backend_last_rtt_milliseconds",
			"Most recently observed round-trip time to a backend, in milliseconds.",
			[]string{"backend_id"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConns
	ch <- c.lastRTT
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for id, snap := range c.reg.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(snap.ActiveConns), id)
		ch <- prometheus.MustNewConstMetric(c.lastRTT, prometheus.GaugeValue, float64(snap.LastRTTMillis), id)
	}
}
