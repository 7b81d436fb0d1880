// Package geoip classifies a client IP into a ClientGeo (country + region).
// The country-code lookup itself is an external collaborator (per the
// specification, a pure `IP → (country, region)` library lives outside this
// system's scope) — this package only defines the seam a real lookup plugs
// into (CountryLookup) and the region-resolution step that is this system's
// own concern: turning a country code into one of the four continental
// buckets the load balancer scores against.
package geoip

import (
	"net"

	"github.com/FairForge/edgeproxy/internal/config"
	"github.com/FairForge/edgeproxy/internal/store"
)

// ClientGeo is the result of classifying a client address. Country is empty
// when the lookup could not resolve one.
type ClientGeo struct {
	Country string
	Region  store.Region
}

// CountryLookup resolves an IP to an ISO 3166-1 alpha-2 country code. ok is
// false when the address can't be resolved (private ranges, lookup miss);
// the dispatcher treats that as "unknown" and falls back to the local
// region per spec.md §4.1 step 1.
type CountryLookup func(ip net.IP) (country string, ok bool)

// Classifier turns a client address into a ClientGeo.
type Classifier struct {
	lookup     CountryLookup
	countryMap *config.CountryMap
}

// New builds a Classifier. lookup is the external geo-IP collaborator; pass
// nil to run with no country resolution (every client classifies as
// unknown, which is a valid degraded mode per §4.1).
func New(lookup CountryLookup, countryMap *config.CountryMap) *Classifier {
	if lookup == nil {
		lookup = NoopLookup
	}
	return &Classifier{lookup: lookup, countryMap: countryMap}
}

// NoopLookup never resolves a country. Used as the default when no real
// geo-IP collaborator is configured.
func NoopLookup(net.IP) (string, bool) {
	return "", false
}

// Classify returns a ClientGeo, or nil if the country is unresolvable.
func (c *Classifier) Classify(addr net.Addr) *ClientGeo {
	ip := addrIP(addr)
	if ip == nil {
		return nil
	}
	country, ok := c.lookup(ip)
	if !ok || country == "" {
		return nil
	}
	return &ClientGeo{Country: country, Region: c.countryMap.Lookup(country)}
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}
