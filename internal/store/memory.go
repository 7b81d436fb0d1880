package store

import (
	"context"

	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/puzpuzpuz/xsync/v4"
)

// Memory is the in-process canonical backend map. It backs every other
// adapter: the SQLite and Postgres adapters refresh it on a poll interval,
// the HTTP adapter refreshes it on a poll interval, and the replicated
// adapter applies gossiped changes directly into it. Reads never block
// writers: Memory uses a sharded concurrent map (xsync.Map) rather than a
// single RWMutex-guarded Go map, the same choice the retrieved
// Resinat-Resin GlobalNodePool makes for an identical "many readers, a few
// mutating writers" shape.
type Memory struct {
	backends *xsync.Map[string, Backend]
}

// NewMemory creates an empty in-memory backend store.
func NewMemory() *Memory {
	return &Memory{
		backends: xsync.NewMap[string, Backend](),
	}
}

func (m *Memory) GetAll(_ context.Context) ([]Backend, error) {
	out := make([]Backend, 0, m.backends.Size())
	m.backends.Range(func(_ string, b Backend) bool {
		out = append(out, b)
		return true
	})
	return out, nil
}

func (m *Memory) GetHealthy(_ context.Context) ([]Backend, error) {
	out := make([]Backend, 0, m.backends.Size())
	m.backends.Range(func(_ string, b Backend) bool {
		if b.Healthy && !b.Deleted {
			out = append(out, b)
		}
		return true
	})
	return out, nil
}

func (m *Memory) GetByID(_ context.Context, id string) (Backend, error) {
	b, ok := m.backends.Load(id)
	if !ok {
		return Backend{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) GetByApp(_ context.Context, app string) ([]Backend, error) {
	var out []Backend
	m.backends.Range(func(_ string, b Backend) bool {
		if b.App == app && !b.Deleted {
			out = append(out, b)
		}
		return true
	})
	return out, nil
}

// Upsert applies incoming under LWW: the xsync.Compute callback runs under
// the map's per-bucket lock, so the compare-and-swap is atomic even when
// many writers race on the same id.
func (m *Memory) Upsert(_ context.Context, b Backend, stamp hlc.Stamp) error {
	if err := b.Validate(); err != nil {
		return err
	}
	b.UpdatedAtHLC = stamp

	m.backends.Compute(b.ID, func(current Backend, loaded bool) (Backend, xsync.ComputeOp) {
		if !loaded || hlc.Wins(stamp, current.UpdatedAtHLC) {
			return b, xsync.UpdateOp
		}
		return current, xsync.CancelOp
	})
	return nil
}

// MarkDeleted tombstones the record but keeps it in the map: a deleted
// record still participates in LWW comparison (§3) so a late-arriving
// resurrection with an older stamp is correctly rejected.
func (m *Memory) MarkDeleted(_ context.Context, id string, stamp hlc.Stamp) error {
	m.backends.Compute(id, func(current Backend, loaded bool) (Backend, xsync.ComputeOp) {
		if !loaded {
			return current, xsync.CancelOp
		}
		if !hlc.Wins(stamp, current.UpdatedAtHLC) {
			return current, xsync.CancelOp
		}
		current.Deleted = true
		current.Healthy = false
		current.UpdatedAtHLC = stamp
		return current, xsync.UpdateOp
	})
	return nil
}

// SetHealth is local-only: it does not touch UpdatedAtHLC and is never
// replicated (§4.4, §9).
func (m *Memory) SetHealth(_ context.Context, id string, healthy bool) error {
	found := false
	m.backends.Compute(id, func(current Backend, loaded bool) (Backend, xsync.ComputeOp) {
		if !loaded {
			return current, xsync.CancelOp
		}
		found = true
		current.Healthy = healthy
		return current, xsync.UpdateOp
	})
	if !found {
		return ErrNotFound
	}
	return nil
}
