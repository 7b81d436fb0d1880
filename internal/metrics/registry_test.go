package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_IncDecActiveConns(t *testing.T) {
	r := NewRegistry()

	assert.EqualValues(t, 1, r.IncActiveConns("b1"))
	assert.EqualValues(t, 2, r.IncActiveConns("b1"))
	assert.EqualValues(t, 1, r.DecActiveConns("b1"))
	assert.EqualValues(t, 1, r.ActiveConns("b1"))
}

func TestRegistry_GetOnUnknownBackendStartsAtZero(t *testing.T) {
	r := NewRegistry()
	assert.EqualValues(t, 0, r.ActiveConns("unknown"))
}

func TestRegistry_RecordRTT(t *testing.T) {
	r := NewRegistry()
	r.RecordRTT("b1", 42)
	assert.EqualValues(t, 42, r.Get("b1").LastRTTMillis())
}

func TestRegistry_Forget(t *testing.T) {
	r := NewRegistry()
	r.IncActiveConns("b1")
	r.Forget("b1")
	assert.EqualValues(t, 0, r.ActiveConns("b1"), "forgetting a backend resets its counters")
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.IncActiveConns("b1")
	r.RecordRTT("b1", 10)
	r.IncActiveConns("b2")

	snap := r.Snapshot()
	assert.EqualValues(t, 1, snap["b1"].ActiveConns)
	assert.EqualValues(t, 10, snap["b1"].LastRTTMillis)
	assert.EqualValues(t, 1, snap["b2"].ActiveConns)
}

func TestRegistry_ConcurrentIncDec(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncActiveConns("b1")
			r.DecActiveConns("b1")
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, r.ActiveConns("b1"))
}
