package adminapi

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/FairForge/edgeproxy/internal/store"
)

// heartbeatTracker implements the §6 expiry policy: a backend that goes
// heartbeatTTL past its last heartbeat is marked unhealthy; one that goes
// evictAfter past it is tombstoned. Modeled on healthcheck.Checker's
// one-ticker-per-backend-task shape, generalized from active probing to
// passive expiry.
type heartbeatTracker struct {
	ttl        time.Duration
	evictAfter time.Duration
	sweep      time.Duration
	st         store.Store
	clock      *hlc.Clock
	logger     *zap.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

func newHeartbeatTracker(ttl time.Duration, st store.Store, clock *hlc.Clock, logger *zap.Logger) *heartbeatTracker {
	sweep := ttl / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	return &heartbeatTracker{
		ttl:        ttl,
		evictAfter: ttl * 3,
		sweep:      sweep,
		st:         st,
		clock:      clock,
		logger:     logger,
		last:       make(map[string]time.Time),
	}
}

// touch records a heartbeat for id, called by register and heartbeat
// handlers alike (registering counts as the first heartbeat).
func (h *heartbeatTracker) touch(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[id] = time.Now()
}

// forget drops id's tracked heartbeat, called when a backend is deleted
// through the API directly so the sweep loop doesn't act on a ghost entry.
func (h *heartbeatTracker) forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, id)
}

// run sweeps every h.sweep interval until ctx is cancelled.
func (h *heartbeatTracker) run(ctx context.Context) {
	ticker := time.NewTicker(h.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(ctx)
		}
	}
}

func (h *heartbeatTracker) sweepOnce(ctx context.Context) {
	now := time.Now()
	h.mu.Lock()
	stale := make(map[string]time.Time, len(h.last))
	for id, ts := range h.last {
		stale[id] = ts
	}
	h.mu.Unlock()

	for id, ts := range stale {
		age := now.Sub(ts)
		switch {
		case age >= h.evictAfter:
			if err := h.st.MarkDeleted(ctx, id, h.clock.Tick()); err != nil {
				h.logger.Warn("adminapi: heartbeat evict failed", zap.String("backend_id", id), zap.Error(err))
				continue
			}
			h.forget(id)
			h.logger.Info("adminapi: backend evicted on heartbeat expiry", zap.String("backend_id", id))
		case age >= h.ttl:
			if err := h.st.SetHealth(ctx, id, false); err != nil {
				h.logger.Warn("adminapi: heartbeat set_health failed", zap.String("backend_id", id), zap.Error(err))
			}
		}
	}
}
