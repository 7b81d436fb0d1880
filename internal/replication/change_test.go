package replication

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/FairForge/edgeproxy/internal/store"
)

func sampleChanges(n int) []Change {
	out := make([]Change, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Change{
			Table: "backends",
			RowID: strings.Repeat("b", i%5+1),
			Kind:  ChangeUpdate,
			Backend: store.Backend{
				ID: strings.Repeat("b", i%5+1), App: "app", Address: "127.0.0.1:9000",
				Region: store.RegionUS, Weight: 1, SoftLimit: 10, HardLimit: 20, Healthy: true,
			},
			HLC: hlc.Stamp{Wall: int64(i), NodeID: "n1"},
		})
	}
	return out
}

func TestEncodeDecodeChangeSet_RoundTrips(t *testing.T) {
	changes := sampleChanges(3)
	payload, crc, compressed, err := EncodeChangeSet("n1", changes)
	require.NoError(t, err)
	assert.False(t, compressed, "small payloads stay uncompressed")

	decoded, err := DecodeChangeSet(payload, crc, compressed)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, changes[0].RowID, decoded[0].RowID)
	assert.Equal(t, changes[2].HLC, decoded[2].HLC)
}

func TestEncodeChangeSet_CompressesAboveThreshold(t *testing.T) {
	changes := sampleChanges(500)
	payload, crc, compressed, err := EncodeChangeSet("n1", changes)
	require.NoError(t, err)
	assert.True(t, compressed)

	decoded, err := DecodeChangeSet(payload, crc, compressed)
	require.NoError(t, err)
	assert.Len(t, decoded, 500)
}

func TestDecodeChangeSet_RejectsCRCMismatch(t *testing.T) {
	changes := sampleChanges(2)
	payload, crc, compressed, err := EncodeChangeSet("n1", changes)
	require.NoError(t, err)

	_, err = DecodeChangeSet(payload, crc+1, compressed)
	assert.Error(t, err)
}

func TestDecodeChangeSet_RejectsGarbagePayload(t *testing.T) {
	_, err := DecodeChangeSet([]byte("not a gob stream"), 12345, false)
	assert.Error(t, err)
}
