// Package store holds the authoritative, replicated view of Backend records.
// Readers (the dispatcher, the health checker, app-scoped resolvers) only
// ever see snapshots; writers (the admin API, the replication agent, the
// health checker) mutate through the Store contract, which honors
// last-write-wins so mixed sources converge.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/FairForge/edgeproxy/internal/hlc"
)

// Region is one of the four continental buckets the load balancer scores
// against.
type Region string

const (
	RegionSA Region = "sa"
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionAP Region = "ap"
)

var (
	// ErrNotFound is returned when a backend id is unknown to the store.
	ErrNotFound = errors.New("store: backend not found")
	// ErrDuplicate names a duplicate-id failure. No Store method returns it;
	// the admin API's register endpoint answers 409 from its own GetByID
	// check.
	ErrDuplicate = errors.New("store: duplicate backend id")
	// ErrInvalid is returned when a Backend fails its invariants.
	ErrInvalid = errors.New("store: invalid backend")
)

// Backend is a replicated record identifying an upstream TCP service.
type Backend struct {
	ID            string
	App           string
	Region        Region
	Country       string // ISO 3166-1 alpha-2
	Address       string // host:port, reachable from this POP
	Healthy       bool
	Weight        int
	SoftLimit     int
	HardLimit     int
	Deleted       bool
	UpdatedAtHLC  hlc.Stamp
}

// Validate checks the invariants from §3: soft_limit <= hard_limit,
// weight >= 1, id non-empty.
func (b *Backend) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if b.Weight < 1 {
		return fmt.Errorf("%w: weight must be >= 1, got %d", ErrInvalid, b.Weight)
	}
	if b.SoftLimit > b.HardLimit {
		return fmt.Errorf("%w: soft_limit (%d) must be <= hard_limit (%d)", ErrInvalid, b.SoftLimit, b.HardLimit)
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate the store's canonical
// state through a returned snapshot.
func (b Backend) Clone() Backend {
	return b
}

// Store is the polymorphic capability set every backend-membership adapter
// implements (§4.4, §9): local in-memory, SQLite, Postgres, HTTP
// control-plane, or gossip-replicated. All implementations must honor LWW
// so mixed sources converge on the same state.
type Store interface {
	// GetAll returns a snapshot of every backend, including tombstoned
	// ones. Must never block writers.
	GetAll(ctx context.Context) ([]Backend, error)
	// GetHealthy returns backends with Healthy && !Deleted.
	GetHealthy(ctx context.Context) ([]Backend, error)
	// GetByID returns a single backend, or ErrNotFound.
	GetByID(ctx context.Context, id string) (Backend, error)
	// GetByApp returns every non-deleted backend registered under app.
	GetByApp(ctx context.Context, app string) ([]Backend, error)
	// Upsert applies an LWW-guarded insert-or-update: the write is only
	// applied if stamp wins against the backend's current UpdatedAtHLC.
	Upsert(ctx context.Context, b Backend, stamp hlc.Stamp) error
	// MarkDeleted tombstones a backend, LWW-guarded like Upsert.
	MarkDeleted(ctx context.Context, id string, stamp hlc.Stamp) error
	// SetHealth is a local-only mutation from the health checker. It does
	// not bump UpdatedAtHLC or participate in replication: health is a
	// per-POP observation (§9 Open Questions).
	SetHealth(ctx context.Context, id string, healthy bool) error
}
