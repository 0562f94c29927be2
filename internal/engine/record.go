// Package engine implements the storage engine described in spec.md §4.8:
// Write/Read/Delete/Rebuild of extents, tying together the codec,
// placement, device, allocator, lock manager, I/O scheduler and metadata
// layers.
package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/device"
)

// FragmentLocation is the tuple (device UUID, local offset/unit index,
// length, fragment index) described in spec.md §3, unique per
// (extent, fragment index).
type FragmentLocation struct {
	Device    uuid.UUID
	UnitStart uint
	UnitCount uint
	Length    uint64
	Index     int
}

// ExtentState is the per-extent health state machine from spec.md §4.8.
type ExtentState int

const (
	StateHealthy ExtentState = iota
	StateDegraded
	StateUnrecoverable
)

func (s ExtentState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Record is the atomic unit of storage described in spec.md §3.
type Record struct {
	ID          uuid.UUID
	LogicalSize uint64
	Policy      codec.Policy

	// Checksum is the SHA-256 of the original payload.
	Checksum [32]byte

	Fragments []FragmentLocation
	// FragmentChecksums holds one blake2b-256 digest per fragment,
	// covering the zero-padded data shard or the parity bytes for EC, or
	// the full payload for replication. Every replica therefore carries the
	// same digest, but that digest is blake2b-256 of the payload and is not
	// equal to the SHA-256 Checksum above.
	FragmentChecksums [][32]byte

	ReadCount  uint64
	WriteCount uint64
	LastAccess time.Time

	Generation uint64
	Tier       device.Tier

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// FragmentCount returns how many fragment locations this record should
// have per its policy.
func (r *Record) FragmentCount() int { return r.Policy.FragmentCount() }

// MinFragmentsNeeded mirrors codec.Policy.MinFragmentsNeeded.
func (r *Record) MinFragmentsNeeded() int { return r.Policy.MinFragmentsNeeded() }

// clone returns a deep-enough copy safe to mutate without affecting a
// concurrent reader's view (readers see a consistent snapshot determined
// by the metadata root at the moment they read, per spec.md §5).
func (r *Record) clone() *Record {
	c := *r
	c.Fragments = append([]FragmentLocation(nil), r.Fragments...)
	c.FragmentChecksums = append([][32]byte(nil), r.FragmentChecksums...)
	return &c
}

func encodeRecord(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("engine: encode extent record: %v", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (*Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return nil, fmt.Errorf("engine: decode extent record: %v", err)
	}
	return &r, nil
}
