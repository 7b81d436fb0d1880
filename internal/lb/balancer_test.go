package lb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/edgeproxy/internal/geoip"
	"github.com/FairForge/edgeproxy/internal/store"
)

func backend(id string, region store.Region, country string, weight, soft, hard int) store.Backend {
	return store.Backend{
		ID: id, Region: region, Country: country, Healthy: true,
		Weight: weight, SoftLimit: soft, HardLimit: hard,
	}
}

func zeroConns(string) int64 { return 0 }

func TestPick_PrefersExactCountryMatch(t *testing.T) {
	candidates := []store.Backend{
		backend("remote", store.RegionEU, "DE", 1, 100, 150),
		backend("exact", store.RegionSA, "BR", 1, 100, 150),
	}
	geo := &geoip.ClientGeo{Country: "BR", Region: store.RegionSA}

	got := Pick(candidates, store.RegionUS, geo, zeroConns)
	require.NotNil(t, got)
	assert.Equal(t, "exact", got.ID)
}

func TestPick_FallsBackToLocalRegionWhenGeoUnknown(t *testing.T) {
	candidates := []store.Backend{
		backend("far", store.RegionAP, "JP", 1, 100, 150),
		backend("local", store.RegionUS, "US", 1, 100, 150),
	}

	got := Pick(candidates, store.RegionUS, nil, zeroConns)
	require.NotNil(t, got)
	assert.Equal(t, "local", got.ID)
}

func TestPick_ExcludesUnhealthyAndDeleted(t *testing.T) {
	unhealthy := backend("b1", store.RegionUS, "US", 1, 100, 150)
	unhealthy.Healthy = false
	deleted := backend("b2", store.RegionUS, "US", 1, 100, 150)
	deleted.Deleted = true
	healthy := backend("b3", store.RegionUS, "US", 1, 100, 150)

	got := Pick([]store.Backend{unhealthy, deleted, healthy}, store.RegionUS, nil, zeroConns)
	require.NotNil(t, got)
	assert.Equal(t, "b3", got.ID)
}

func TestPick_ExcludesAtOrAboveHardLimit(t *testing.T) {
	full := backend("full", store.RegionUS, "US", 1, 10, 20)
	ok := backend("ok", store.RegionUS, "US", 1, 10, 20)

	connCount := func(id string) int64 {
		if id == "full" {
			return 20
		}
		return 5
	}

	got := Pick([]store.Backend{full, ok}, store.RegionUS, nil, connCount)
	require.NotNil(t, got)
	assert.Equal(t, "ok", got.ID)
}

func TestPick_EmptyCandidatesReturnsNil(t *testing.T) {
	assert.Nil(t, Pick(nil, store.RegionUS, nil, zeroConns))
}

func TestPick_AllExcludedReturnsNil(t *testing.T) {
	full := backend("full", store.RegionUS, "US", 1, 10, 20)
	got := Pick([]store.Backend{full}, store.RegionUS, nil, func(string) int64 { return 20 })
	assert.Nil(t, got)
}

func TestPick_WeightActsAsLoadDivisor(t *testing.T) {
	lowWeight := backend("low", store.RegionUS, "US", 1, 100, 150)
	highWeight := backend("high", store.RegionUS, "US", 4, 100, 150)

	connCount := func(string) int64 { return 50 }

	got := Pick([]store.Backend{lowWeight, highWeight}, store.RegionUS, nil, connCount)
	require.NotNil(t, got)
	assert.Equal(t, "high", got.ID, "higher weight should divide the load contribution down, winning the tie")
}

func TestPick_TieBreaksLexicographicallyByID(t *testing.T) {
	a := backend("a-backend", store.RegionUS, "US", 1, 100, 150)
	z := backend("z-backend", store.RegionUS, "US", 1, 100, 150)

	got := Pick([]store.Backend{z, a}, store.RegionUS, nil, zeroConns)
	require.NotNil(t, got)
	assert.Equal(t, "a-backend", got.ID)
}

func TestPick_GeoTierDominatesLoad(t *testing.T) {
	// An idle remote backend must still lose to a fully-loaded-but-closer one,
	// since the geo multiplier (*100) dwarfs the load/weight term.
	idleRemote := backend("idle-remote", store.RegionAP, "JP", 1, 100, 150)
	busyLocal := backend("busy-local", store.RegionUS, "US", 1, 100, 150)

	connCount := func(id string) int64 {
		if id == "busy-local" {
			return 99
		}
		return 0
	}

	got := Pick([]store.Backend{idleRemote, busyLocal}, store.RegionUS, nil, connCount)
	require.NotNil(t, got)
	assert.Equal(t, "busy-local", got.ID)
}
