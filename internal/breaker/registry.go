package breaker

import "github.com/puzpuzpuz/xsync/v4"

// Registry lazily creates and keys a Breaker per backend id, the same
// sharded-map shape as internal/metrics.Registry and internal/affinity.Table.
type Registry struct {
	cfg      Config
	breakers *xsync.Map[string, *Breaker]
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: xsync.NewMap[string, *Breaker]()}
}

// Get returns (creating if absent) the Breaker for backendID.
func (r *Registry) Get(backendID string) *Breaker {
	if b, ok := r.breakers.Load(backendID); ok {
		return b
	}
	b, _ := r.breakers.Compute(backendID, func(current *Breaker, loaded bool) (*Breaker, xsync.ComputeOp) {
		if loaded {
			return current, xsync.CancelOp
		}
		return New(r.cfg), xsync.UpdateOp
	})
	return b
}

// Forget removes a backend's breaker, called on permanent eviction.
func (r *Registry) Forget(backendID string) {
	r.breakers.Delete(backendID)
}

// Snapshot returns every tracked backend's current state.
func (r *Registry) Snapshot() map[string]State {
	out := make(map[string]State, r.breakers.Size())
	r.breakers.Range(func(id string, b *Breaker) bool {
		out[id] = b.State()
		return true
	})
	return out
}
