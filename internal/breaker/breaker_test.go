package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker() (*Breaker, *time.Time) {
	clock := time.Unix(1000, 0)
	b := NewWithClock(DefaultConfig(), func() time.Time { return clock })
	return b, &clock
}

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	b, _ := newTestBreaker()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_TripsOpenAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCountInClosed(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	for i := 0; i < DefaultConfig().FailureThreshold-1; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State(), "success must reset consec_failures so one more failure doesn't trip it")
}

func TestBreaker_TransitionsToHalfOpenAfterTimeout(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	assertOpen(t, b)

	*clock = clock.Add(DefaultConfig().OpenTimeout)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	*clock = clock.Add(DefaultConfig().OpenTimeout)
	b.Allow() // transitions to HalfOpen

	for i := 0; i < DefaultConfig().SuccessThreshold; i++ {
		b.RecordSuccess()
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenReopensOnFirstFailure(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	*clock = clock.Add(DefaultConfig().OpenTimeout)
	b.Allow()

	b.RecordSuccess()
	b.RecordFailure()

	assert.Equal(t, Open, b.State())
}

func TestRegistry_GetCreatesIndependentBreakersPerBackend(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	b1 := r.Get("backend-1")
	b2 := r.Get("backend-2")

	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		b1.RecordFailure()
	}

	assert.Equal(t, Open, b1.State())
	assert.Equal(t, Closed, b2.State())
	assert.Same(t, b1, r.Get("backend-1"), "Get must return the same breaker instance on repeat calls")
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	r.Get("backend-1")
	snap := r.Snapshot()
	assert.Equal(t, Closed, snap["backend-1"])
}

func assertOpen(t *testing.T, b *Breaker) {
	t.Helper()
	assert.Equal(t, Open, b.State())
}
