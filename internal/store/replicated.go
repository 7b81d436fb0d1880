package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/hlc"
)

// Broadcaster is the outbound half of the replication agent: every locally
// accepted write is handed to it so it can be gossiped to peer POPs.
// Implemented by internal/replication.Agent; kept as an interface here so
// internal/store never imports internal/replication.
type Broadcaster interface {
	BroadcastUpsert(b Backend, stamp hlc.Stamp)
	BroadcastDelete(id string, stamp hlc.Stamp)
}

// noopBroadcaster drops everything; used when Replicated is built without a
// broadcaster (e.g. a single-node test, or replication disabled).
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastUpsert(Backend, hlc.Stamp)  {}
func (noopBroadcaster) BroadcastDelete(string, hlc.Stamp) {}

// Replicated wraps the in-memory canonical map and fans every locally
// accepted write out to a Broadcaster, while ApplyRemote lets the
// replication agent feed gossiped changes back in without re-broadcasting
// them (which would loop the change around the mesh forever).
type Replicated struct {
	mem    *Memory
	bcast  Broadcaster
	logger *zap.Logger
}

// NewReplicated builds a Replicated store. Pass nil for bcast to run without
// fan-out (replication disabled).
func NewReplicated(bcast Broadcaster, logger *zap.Logger) *Replicated {
	if bcast == nil {
		bcast = noopBroadcaster{}
	}
	return &Replicated{mem: NewMemory(), bcast: bcast, logger: logger}
}

// SetBroadcaster swaps in the replication agent once it exists. The agent's
// own constructor needs a Store to deliver incoming changes into, and this
// Store needs the agent to fan outgoing changes out to, so main wires the
// cycle by constructing Replicated with no broadcaster, building the agent
// against it, then calling SetBroadcaster.
func (r *Replicated) SetBroadcaster(bcast Broadcaster) {
	if bcast == nil {
		bcast = noopBroadcaster{}
	}
	r.bcast = bcast
}

func (r *Replicated) GetAll(ctx context.Context) ([]Backend, error)     { return r.mem.GetAll(ctx) }
func (r *Replicated) GetHealthy(ctx context.Context) ([]Backend, error) { return r.mem.GetHealthy(ctx) }
func (r *Replicated) GetByID(ctx context.Context, id string) (Backend, error) {
	return r.mem.GetByID(ctx, id)
}
func (r *Replicated) GetByApp(ctx context.Context, app string) ([]Backend, error) {
	return r.mem.GetByApp(ctx, app)
}

// Upsert applies a locally-originated write (e.g. from the admin API) and
// fans it out to the mesh.
func (r *Replicated) Upsert(ctx context.Context, b Backend, stamp hlc.Stamp) error {
	if err := r.mem.Upsert(ctx, b, stamp); err != nil {
		return err
	}
	r.bcast.BroadcastUpsert(b, stamp)
	return nil
}

// MarkDeleted applies a locally-originated tombstone and fans it out.
func (r *Replicated) MarkDeleted(ctx context.Context, id string, stamp hlc.Stamp) error {
	if err := r.mem.MarkDeleted(ctx, id, stamp); err != nil {
		return err
	}
	r.bcast.BroadcastDelete(id, stamp)
	return nil
}

// SetHealth is local-only and never broadcast (§4.4, §9).
func (r *Replicated) SetHealth(ctx context.Context, id string, healthy bool) error {
	return r.mem.SetHealth(ctx, id, healthy)
}

// ApplyRemoteUpsert applies a change received from a peer POP without
// re-broadcasting it. Called by the replication agent as it drains incoming
// ChangeSets.
func (r *Replicated) ApplyRemoteUpsert(ctx context.Context, b Backend, stamp hlc.Stamp) error {
	return r.mem.Upsert(ctx, b, stamp)
}

// ApplyRemoteDelete is ApplyRemoteUpsert's tombstone counterpart.
func (r *Replicated) ApplyRemoteDelete(ctx context.Context, id string, stamp hlc.Stamp) error {
	return r.mem.MarkDeleted(ctx, id, stamp)
}
