// Package affinity keeps clients pinned to the backend they were last
// routed to, for as long as that backend stays healthy and the client's
// geo classification doesn't change. It is read-heavy: a lookup happens on
// every accepted connection, so the common case must be wait-free.
package affinity

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// ClientKey identifies a client by address only — port is deliberately
// excluded, since affinity is per peer address, not per connection (§3).
type ClientKey struct {
	ClientIP string
}

// Binding is what a client is currently pinned to.
type Binding struct {
	BackendID string
	Country   string // geo classification at bind time, for the "client changed" check
	CreatedAt time.Time
	LastSeen  time.Time
}

// Table is the sharded concurrent map backing client affinity. A nil Clock
// field is never exposed; callers always go through Table's methods, which
// use an injectable clock for deterministic GC tests.
type Table struct {
	bindings *xsync.Map[ClientKey, Binding]
	now      func() time.Time
}

// New creates an empty affinity table using time.Now for timestamps.
func New() *Table {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(now func() time.Time) *Table {
	return &Table{bindings: xsync.NewMap[ClientKey, Binding](), now: now}
}

// Get returns the binding for key, if any.
func (t *Table) Get(key ClientKey) (Binding, bool) {
	return t.bindings.Load(key)
}

// Set inserts or replaces a binding, stamping CreatedAt and LastSeen to now.
func (t *Table) Set(key ClientKey, backendID, country string) Binding {
	now := t.now()
	b := Binding{BackendID: backendID, Country: country, CreatedAt: now, LastSeen: now}
	t.bindings.Store(key, b)
	return b
}

// Touch advances LastSeen on an existing binding. No-op if the key is
// absent (the caller should have called Set instead).
func (t *Table) Touch(key ClientKey) {
	t.bindings.Compute(key, func(current Binding, loaded bool) (Binding, xsync.ComputeOp) {
		if !loaded {
			return current, xsync.CancelOp
		}
		current.LastSeen = t.now()
		return current, xsync.UpdateOp
	})
}

// Remove deletes a binding. No-op if absent.
func (t *Table) Remove(key ClientKey) {
	t.bindings.Delete(key)
}

// CleanupExpired removes every binding whose LastSeen is older than ttl and
// returns the count removed (§4.3's cleanup_expired). Safe to call
// concurrently with readers and writers: each shard's lock is held only for
// the duration of that shard's scan.
func (t *Table) CleanupExpired(ttl time.Duration) int {
	now := t.now()
	removed := 0
	var stale []ClientKey
	t.bindings.Range(func(key ClientKey, b Binding) bool {
		if now.Sub(b.LastSeen) > ttl {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		t.bindings.Delete(key)
		removed++
	}
	return removed
}

// Size reports the current binding count.
func (t *Table) Size() int {
	return t.bindings.Size()
}
