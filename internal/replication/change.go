// Package replication implements the gossip membership protocol, the
// reliable ChangeSet transport, and the agent loop that ties them to the
// backend store (§4.5).
package replication

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"

	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/FairForge/edgeproxy/internal/store"
)

// ChangeKind is the kind of mutation a Change carries.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// Change is one mutation to the backends table, stamped with the HLC
// reading assigned at the moment it was accepted locally.
type Change struct {
	Table  string
	RowID  string
	Kind   ChangeKind
	Backend store.Backend // zero value for ChangeDelete
	HLC    hlc.Stamp
}

// ChangeSet is a batch of Changes broadcast together, carrying the
// originating node id and a CRC32 over the serialized Changes so a
// receiver can detect corruption (§4.5).
type ChangeSet struct {
	OriginNode string
	Changes    []Change
	CRC32      uint32
}

// compressionThreshold is the serialized-size cutoff above which a
// ChangeSet's payload is zstd-compressed before transport (§4.5 note:
// batches above a size threshold are compressed).
const compressionThreshold = 4096

// EncodeChangeSet gob-encodes changes, computes the CRC32 over that
// encoding, and zstd-compresses the result when it's larger than
// compressionThreshold. The returned bool reports whether compression was
// applied, so DecodeChangeSet knows whether to decompress first.
func EncodeChangeSet(origin string, changes []Change) (payload []byte, crc uint32, compressed bool, err error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(changes); err != nil {
		return nil, 0, false, fmt.Errorf("replication: encode changeset: %w", err)
	}
	raw := buf.Bytes()
	crc = crc32.ChecksumIEEE(raw)

	if len(raw) <= compressionThreshold {
		return raw, crc, false, nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("replication: create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), crc, true, nil
}

// DecodeChangeSet reverses EncodeChangeSet: decompress if needed, verify
// the CRC, then gob-decode. A CRC mismatch or decode error means the
// ChangeSet must be dropped (§7).
func DecodeChangeSet(payload []byte, crc uint32, compressed bool) ([]Change, error) {
	raw := payload
	if compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("replication: create zstd decoder: %w", err)
		}
		defer dec.Close()
		decoded, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("replication: zstd decompress: %w", err)
		}
		raw = decoded
	}

	if crc32.ChecksumIEEE(raw) != crc {
		return nil, fmt.Errorf("replication: crc mismatch")
	}

	var changes []Change
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&changes); err != nil {
		return nil, fmt.Errorf("replication: decode changeset: %w", err)
	}
	return changes, nil
}

// WireChangeSet is the length-prefixed, gob-serialized structure actually
// sent over the transport (§6: "Protocol messages are length-prefixed
// serialized structures; each carries a cluster-name discriminator.").
type WireChangeSet struct {
	ClusterName string
	OriginNode  string
	Payload     []byte
	CRC32       uint32
	Compressed  bool
}
