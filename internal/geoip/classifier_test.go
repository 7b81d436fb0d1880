package geoip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/config"
	"github.com/FairForge/edgeproxy/internal/store"
)

func fixedLookup(country string, ok bool) CountryLookup {
	return func(net.IP) (string, bool) { return country, ok }
}

func TestClassify_ResolvesRegionFromCountry(t *testing.T) {
	cm, err := config.NewCountryMap("", zap.NewNop())
	require.NoError(t, err)

	c := New(fixedLookup("BR", true), cm)
	geo := c.Classify(&net.TCPAddr{IP: net.ParseIP("200.1.2.3"), Port: 51000})

	require.NotNil(t, geo)
	assert.Equal(t, "BR", geo.Country)
	assert.Equal(t, store.RegionSA, geo.Region)
}

func TestClassify_UnresolvedLookupReturnsNil(t *testing.T) {
	cm, err := config.NewCountryMap("", zap.NewNop())
	require.NoError(t, err)

	c := New(fixedLookup("", false), cm)
	geo := c.Classify(&net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 51000})

	assert.Nil(t, geo)
}

func TestClassify_NoLookupConfiguredIsAlwaysUnknown(t *testing.T) {
	cm, err := config.NewCountryMap("", zap.NewNop())
	require.NoError(t, err)

	c := New(nil, cm)
	geo := c.Classify(&net.TCPAddr{IP: net.ParseIP("8.8.8.8"), Port: 1})

	assert.Nil(t, geo)
}

func TestClassify_UnparseableAddrReturnsNil(t *testing.T) {
	cm, err := config.NewCountryMap("", zap.NewNop())
	require.NoError(t, err)

	c := New(fixedLookup("US", true), cm)
	geo := c.Classify(fakeAddr("not-an-address"))

	assert.Nil(t, geo)
}

type fakeAddr string

func (f fakeAddr) Network() string { return "fake" }
func (f fakeAddr) String() string  { return string(f) }
