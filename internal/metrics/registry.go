// Package metrics tracks the small set of per-backend runtime counters the
// load balancer and admin snapshot endpoint read (§2, §3: active_conns,
// last_rtt_ms), and exposes them to Prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// BackendMetrics is the mutable runtime state kept alongside a Backend
// record but never replicated: it is a per-POP observation of what that POP
// is currently doing with a backend, not a fact about the backend itself.
type BackendMetrics struct {
	activeConns int64
	lastRTTMS   int64
}

// ActiveConns returns the current connection count.
func (m *BackendMetrics) ActiveConns() int64 { return atomic.LoadInt64(&m.activeConns) }

// LastRTTMillis returns the most recently observed round-trip time, in
// milliseconds, or 0 if never measured.
func (m *BackendMetrics) LastRTTMillis() int64 { return atomic.LoadInt64(&m.lastRTTMS) }

// Registry is a sharded concurrent map from backend id to BackendMetrics,
// so the dispatcher's per-connection increment/decrement never contends
// with the admin API's read-only snapshot.
type Registry struct {
	backends *xsync.Map[string, *BackendMetrics]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: xsync.NewMap[string, *BackendMetrics]()}
}

// Get returns (creating if absent) the BackendMetrics for id.
func (r *Registry) Get(id string) *BackendMetrics {
	if m, ok := r.backends.Load(id); ok {
		return m
	}
	m, _ := r.backends.Compute(id, func(current *BackendMetrics, loaded bool) (*BackendMetrics, xsync.ComputeOp) {
		if loaded {
			return current, xsync.CancelOp
		}
		return &BackendMetrics{}, xsync.UpdateOp
	})
	return m
}

// IncActiveConns increments a backend's active connection count and returns
// the new value. Called exactly once per accepted connection task (§8
// invariant 2).
func (r *Registry) IncActiveConns(id string) int64 {
	return atomic.AddInt64(&r.Get(id).activeConns, 1)
}

// DecActiveConns decrements a backend's active connection count. Called
// exactly once per connection task, on every exit path.
func (r *Registry) DecActiveConns(id string) int64 {
	return atomic.AddInt64(&r.Get(id).activeConns, -1)
}

// ActiveConns is a read-only accessor used by the load balancer's scoring
// function.
func (r *Registry) ActiveConns(id string) int64 {
	return r.Get(id).ActiveConns()
}

// RecordRTT stores the most recent observed round-trip time for id, in
// milliseconds. Neither the dispatcher nor the health checker calls it, so
// last_rtt_ms stays 0 unless some other caller records a value.
func (r *Registry) RecordRTT(id string, rttMS int64) {
	atomic.StoreInt64(&r.Get(id).lastRTTMS, rttMS)
}

// Forget removes a backend's metrics, called when a backend is permanently
// evicted (tombstoned past any retention the store keeps).
func (r *Registry) Forget(id string) {
	r.backends.Delete(id)
}

// Snapshot returns a point-in-time copy of every tracked backend's metrics,
// used by the admin API's supplemented snapshot endpoint.
func (r *Registry) Snapshot() map[string]BackendSnapshot {
	out := make(map[string]BackendSnapshot, r.backends.Size())
	r.backends.Range(func(id string, m *BackendMetrics) bool {
		out[id] = BackendSnapshot{ActiveConns: m.ActiveConns(), LastRTTMillis: m.LastRTTMillis()}
		return true
	})
	return out
}

// BackendSnapshot is an immutable copy of one backend's metrics at a point
// in time.
type BackendSnapshot struct {
	ActiveConns   int64
	LastRTTMillis int64
}
