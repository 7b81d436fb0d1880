// Package breaker implements a per-backend circuit breaker (§4.7): Closed,
// Open, HalfOpen, guarding the dispatcher from repeatedly dialing a
// backend that is failing.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds from §4.7's defaults.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// DefaultConfig returns the spec's defaults: failure_threshold=5,
// success_threshold=3, open_timeout=30s.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, OpenTimeout: 30 * time.Second}
}

// Breaker is one backend's circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	openedAt   time.Time
	consecFail int
	consecOK   int
	now        func() time.Time
}

// New creates a Breaker in the Closed state using the real wall clock.
func New(cfg Config) *Breaker {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(cfg Config, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg, state: Closed, now: now}
}

// Allow reports whether a new attempt may proceed, transitioning Open to
// HalfOpen if OpenTimeout has elapsed (§4.7).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.consecOK = 0
	}
	return b.state != Open
}

// RecordSuccess feeds a successful dial/connection outcome into the state
// machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecFail = 0
	case HalfOpen:
		b.consecOK++
		if b.consecOK >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecFail = 0
			b.consecOK = 0
		}
	case Open:
		// Allow() would have moved us to HalfOpen first; a success recorded
		// while still Open is stale and ignored.
	}
}

// RecordFailure feeds a failed dial/connection outcome into the state
// machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecFail++
		if b.consecFail >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	case Open:
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.consecFail = 0
	b.consecOK = 0
}

// State returns the current state, resolving an elapsed Open timeout first
// (so observers such as the admin snapshot see HalfOpen once it's due).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return HalfOpen
	}
	return b.state
}
