package engine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	gouuid "github.com/google/uuid"
	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/placement"
)

// placementChoose adapts the placement package's Choose for the engine's
// device.Registry-derived candidate list.
func placementChoose(candidates []placement.Candidate, k int, fragmentSize uint64, tier device.Tier) ([]uuid.UUID, error) {
	return placement.Choose(candidates, k, fragmentSize, tier)
}

// newRequestID mints an I/O request identifier using google/uuid, keeping
// request IDs in a visibly separate namespace from extent/device UUIDs
// (satori/go.uuid), per SPEC_FULL.md §4.
func newRequestID() gouuid.UUID {
	return gouuid.New()
}

func errInvalidPolicy(p codec.Policy) error {
	return fmt.Errorf("engine: policy produces %d fragments, need at least 1", p.FragmentCount())
}

// recordChecksumSeed folds an extent Record's payload checksum into a
// uint32 seed combined with the metadata root's own state checksum on
// commit (metadata.Txn.Commit), so recovery can distinguish a corrupt
// extent catalog entry from a corrupt root.
func recordChecksumSeed(r *Record) uint32 {
	var buf [40]byte
	copy(buf[:32], r.Checksum[:])
	binary.LittleEndian.PutUint64(buf[32:], r.Generation)
	return crc32.ChecksumIEEE(buf[:])
}
