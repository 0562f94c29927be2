package metadata

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const shardCount = 16

// rootState mirrors spec.md's Metadata root `state` field.
type rootState uint8

const (
	stateCommitted rootState = iota
	statePending
)

func (s rootState) String() string {
	if s == statePending {
		return "pending"
	}
	return "committed"
}

// Root is the small committed record described in spec.md §3: a single
// versioned pointer naming the committed metadata snapshot.
type Root struct {
	Version       uint64
	State         rootState
	NextExtentID  uint64
	NextInode     uint64
	ShardVersions [shardCount]uint64
	StateChecksum uint32
}

func (r Root) nextVersion() Root {
	n := r
	n.Version = r.Version + 1
	n.State = statePending
	return n
}

// checksum computes state_checksum over every field except the checksum
// itself.
func (r Root) checksum() uint32 {
	buf := make([]byte, 0, 16+8*shardCount+1)
	buf = appendU64(buf, r.Version)
	buf = append(buf, byte(r.State))
	buf = appendU64(buf, r.NextExtentID)
	buf = appendU64(buf, r.NextInode)
	for _, v := range r.ShardVersions {
		buf = appendU64(buf, v)
	}
	return crc32.ChecksumIEEE(buf)
}

func (r Root) verify() error {
	if r.checksum() != r.StateChecksum {
		return fmt.Errorf("metadata: root version %d failed checksum verification", r.Version)
	}
	return nil
}

func (r Root) encode() []byte {
	buf := make([]byte, 0, 16+8*shardCount+1+4)
	buf = appendU64(buf, r.Version)
	buf = append(buf, byte(r.State))
	buf = appendU64(buf, r.NextExtentID)
	buf = appendU64(buf, r.NextInode)
	for _, v := range r.ShardVersions {
		buf = appendU64(buf, v)
	}
	buf = appendU32(buf, r.StateChecksum)
	return buf
}

func decodeRoot(b []byte) (Root, error) {
	want := 8 + 1 + 8 + 8 + 8*shardCount + 4
	if len(b) < want {
		return Root{}, fmt.Errorf("metadata: root record too short: got %d bytes, want %d", len(b), want)
	}
	var r Root
	off := 0
	r.Version = readU64(b[off:])
	off += 8
	r.State = rootState(b[off])
	off++
	r.NextExtentID = readU64(b[off:])
	off += 8
	r.NextInode = readU64(b[off:])
	off += 8
	for i := 0; i < shardCount; i++ {
		r.ShardVersions[i] = readU64(b[off:])
		off += 8
	}
	r.StateChecksum = readU32(b[off:])
	return r, nil
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
