// Package lb implements the geo-aware weighted load-balancing decision: a
// pure function over a candidate list, with no state of its own (§4.2).
package lb

import (
	"sort"

	"github.com/FairForge/edgeproxy/internal/geoip"
	"github.com/FairForge/edgeproxy/internal/store"
)

// ConnCountFunc returns the current active connection count for a backend
// id, typically backed by the metrics registry.
type ConnCountFunc func(backendID string) int64

// Pick selects the best candidate per §4.2's scoring formula, or nil if no
// candidate qualifies. candidates need not be pre-filtered for health —
// Pick applies the healthy/not-deleted/below-hard-limit filter itself, so
// callers can pass a raw store snapshot.
func Pick(candidates []store.Backend, localRegion store.Region, clientGeo *geoip.ClientGeo, connCount ConnCountFunc) *store.Backend {
	type scored struct {
		backend store.Backend
		score   float64
	}

	var eligible []scored
	for _, b := range candidates {
		if !b.Healthy || b.Deleted {
			continue
		}
		count := connCount(b.ID)
		if count >= int64(b.HardLimit) {
			continue
		}
		eligible = append(eligible, scored{backend: b, score: score(b, localRegion, clientGeo, count)})
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score < eligible[j].score
		}
		return eligible[i].backend.ID < eligible[j].backend.ID
	})

	winner := eligible[0].backend
	return &winner
}

func score(b store.Backend, localRegion store.Region, clientGeo *geoip.ClientGeo, connCount int64) float64 {
	geoScore := geoScoreFor(b, localRegion, clientGeo)

	softLimit := b.SoftLimit
	if softLimit < 1 {
		softLimit = 1
	}
	loadFactor := float64(connCount) / float64(softLimit)

	weight := b.Weight
	if weight < 1 {
		weight = 1
	}

	return geoScore*100 + loadFactor/float64(weight)
}

func geoScoreFor(b store.Backend, localRegion store.Region, clientGeo *geoip.ClientGeo) float64 {
	switch {
	case clientGeo != nil && clientGeo.Country == b.Country:
		return 0.0
	case clientGeo != nil && clientGeo.Region == b.Region:
		return 1.0
	case b.Region == localRegion:
		return 2.0
	default:
		return 3.0
	}
}
