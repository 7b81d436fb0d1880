// Package healthcheck runs active per-backend probes (TCP connect or HTTP
// GET) and flips the store's health flag on threshold crossings (§4.6).
package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/store"
)

// ProbeType selects the probe kind.
type ProbeType string

const (
	ProbeTCP  ProbeType = "tcp"
	ProbeHTTP ProbeType = "http"
)

// Config holds the §4.6 defaults.
type Config struct {
	Enabled            bool
	Interval           time.Duration
	Timeout            time.Duration
	Type               ProbeType
	Path               string // HTTP probe only
	HealthyThreshold   int
	UnhealthyThreshold int
}

// DefaultConfig returns interval=5s, timeout=2s, unhealthy_threshold=3,
// healthy_threshold=2, type=tcp.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Interval:           5 * time.Second,
		Timeout:            2 * time.Second,
		Type:               ProbeTCP,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}
}

// rollingState tracks the small per-backend state machine from §4.6:
// Healthy with consec_failures, or Unhealthy with consec_successes.
type rollingState struct {
	healthy         bool
	consecFailures  int
	consecSuccesses int
}

// Checker runs one probe task per backend. Safe for concurrent use; each
// backend's task is independently cancellable so removing a backend stops
// its task without affecting others.
type Checker struct {
	cfg    Config
	st     store.Store
	logger *zap.Logger
	client *http.Client
	dialer net.Dialer

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// New creates a Checker that reads/writes through st.
func New(cfg Config, st store.Store, logger *zap.Logger) *Checker {
	return &Checker{
		cfg:    cfg,
		st:     st,
		logger: logger,
		client: &http.Client{Timeout: cfg.Timeout},
		dialer: net.Dialer{Timeout: cfg.Timeout},
		cancel: make(map[string]context.CancelFunc),
	}
}

// Start begins probing backendID at cfg.Interval until ctx is cancelled or
// Stop(backendID) is called. Starting an already-started backend is a
// no-op (the existing task keeps running).
func (c *Checker) Start(ctx context.Context, b store.Backend) {
	if !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	if _, running := c.cancel[b.ID]; running {
		c.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	c.cancel[b.ID] = cancel
	c.mu.Unlock()

	go c.run(taskCtx, b)
}

// Stop cancels backendID's probe task, if running. Called when a backend is
// removed from the store so its task doesn't leak.
func (c *Checker) Stop(backendID string) {
	c.mu.Lock()
	cancel, ok := c.cancel[backendID]
	delete(c.cancel, backendID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// RunReconciler periodically diffs store.GetAll() against the set of
// backends this Checker currently has a probe task running for, and
// Starts/Stops tasks to match. Start is normally triggered directly by
// whichever admin API handler registers a backend, but that only covers
// backends entering the store through this POP's own register endpoint —
// backends discovered via a store adapter's poll loop or via replication
// gossip from a peer POP never go through that handler, so without this
// reconciliation pass they'd never get probed on the receiving POP. Runs
// until ctx is cancelled.
func (c *Checker) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileOnce(ctx)
		}
	}
}

func (c *Checker) reconcileOnce(ctx context.Context) {
	backends, err := c.st.GetAll(ctx)
	if err != nil {
		c.logger.Warn("healthcheck: reconcile: store.GetAll failed", zap.Error(err))
		return
	}

	want := make(map[string]store.Backend, len(backends))
	for _, b := range backends {
		if !b.Deleted {
			want[b.ID] = b
		}
	}

	c.mu.Lock()
	tracked := make([]string, 0, len(c.cancel))
	for id := range c.cancel {
		tracked = append(tracked, id)
	}
	c.mu.Unlock()

	for _, id := range tracked {
		if _, ok := want[id]; !ok {
			c.Stop(id)
		}
	}
	for id, b := range want {
		c.mu.Lock()
		_, running := c.cancel[id]
		c.mu.Unlock()
		if !running {
			c.Start(ctx, b)
		}
	}
}

func (c *Checker) run(ctx context.Context, b store.Backend) {
	state := rollingState{healthy: b.Healthy}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx, b, &state)
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, b store.Backend, state *rollingState) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.probe(probeCtx, b)
	if err != nil {
		state.consecSuccesses = 0
		state.consecFailures++
		if state.healthy && state.consecFailures >= c.cfg.UnhealthyThreshold {
			state.healthy = false
			c.setHealth(ctx, b.ID, false)
		}
		return
	}

	state.consecFailures = 0
	state.consecSuccesses++
	if !state.healthy && state.consecSuccesses >= c.cfg.HealthyThreshold {
		state.healthy = true
		c.setHealth(ctx, b.ID, true)
	}
}

func (c *Checker) setHealth(ctx context.Context, id string, healthy bool) {
	if err := c.st.SetHealth(ctx, id, healthy); err != nil {
		c.logger.Warn("healthcheck: set_health failed", zap.String("backend_id", id), zap.Error(err))
	}
}

func (c *Checker) probe(ctx context.Context, b store.Backend) error {
	switch c.cfg.Type {
	case ProbeHTTP:
		return c.probeHTTP(ctx, b)
	default:
		return c.probeTCP(ctx, b)
	}
}

func (c *Checker) probeTCP(ctx context.Context, b store.Backend) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", b.Address)
	if err != nil {
		return fmt.Errorf("healthcheck: tcp probe %s: %w", b.ID, err)
	}
	return conn.Close()
}

func (c *Checker) probeHTTP(ctx context.Context, b store.Backend) error {
	url := fmt.Sprintf("http://%s%s", b.Address, c.cfg.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("healthcheck: build http probe request for %s: %w", b.ID, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck: http probe %s: %w", b.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("healthcheck: http probe %s: status %d", b.ID, resp.StatusCode)
	}
	return nil
}
