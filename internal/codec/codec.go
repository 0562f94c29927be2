// Package codec implements the redundancy codec: a pure, deterministic
// encode/decode pair over a tagged Policy variant (replication or
// Reed-Solomon erasure coding), per spec.md §4.3. Determinism and
// byte-identical output across runs matter because defrag re-encodes and
// compares checksums against the original.
package codec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Kind tags which redundancy variant a Policy carries.
type Kind int

const (
	KindReplicate Kind = iota
	KindErasureCode
)

// Policy is the tagged variant carrying the parameters for either
// redundancy scheme. No inheritance or dynamic dispatch is needed: the
// variant is matched once per extent and the concrete path inlines, per
// spec.md §9.
type Policy struct {
	Kind Kind

	// Replicate
	Copies int

	// ErasureCode
	DataShards   int
	ParityShards int
}

// Replicate builds an N-way replication policy.
func Replicate(copies int) Policy {
	return Policy{Kind: KindReplicate, Copies: copies}
}

// ErasureCode builds a Reed-Solomon policy with d data shards and p parity
// shards.
func ErasureCode(d, p int) Policy {
	return Policy{Kind: KindErasureCode, DataShards: d, ParityShards: p}
}

// FragmentCount returns the number of fragments this policy produces:
// copies for replication, data+parity for erasure coding.
func (p Policy) FragmentCount() int {
	switch p.Kind {
	case KindReplicate:
		return p.Copies
	case KindErasureCode:
		return p.DataShards + p.ParityShards
	default:
		return 0
	}
}

// MinFragmentsNeeded returns the minimum number of surviving, checksum-
// valid fragments required for is_readable(): 1 for replication, data for
// erasure coding.
func (p Policy) MinFragmentsNeeded() int {
	switch p.Kind {
	case KindReplicate:
		return 1
	case KindErasureCode:
		return p.DataShards
	default:
		return 0
	}
}

// ErrUnrecoverable is returned by Decode when too few fragments survive.
var ErrUnrecoverable = fmt.Errorf("codec: insufficient fragments to recover payload")

// Encode splits payload into the policy's fragments. Replication returns
// Copies identical copies of payload. Erasure coding splits payload into
// DataShards equal-sized, zero-padded shards and computes ParityShards
// parity shards via Reed-Solomon over GF(2^8).
func Encode(payload []byte, p Policy) ([][]byte, error) {
	switch p.Kind {
	case KindReplicate:
		if p.Copies < 1 {
			return nil, fmt.Errorf("codec: replication requires at least 1 copy, got %d", p.Copies)
		}
		out := make([][]byte, p.Copies)
		for i := range out {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			out[i] = cp
		}
		return out, nil

	case KindErasureCode:
		enc, err := reedsolomon.New(p.DataShards, p.ParityShards)
		if err != nil {
			return nil, fmt.Errorf("codec: construct reed-solomon encoder: %v", err)
		}
		// reedsolomon.Split rejects a zero-length input; an empty extent still
		// needs data+parity shards so placement and rebuild see the usual
		// fragment count, per spec.md §8's empty-payload boundary case.
		if len(payload) == 0 {
			shards := make([][]byte, p.DataShards+p.ParityShards)
			for i := range shards {
				shards[i] = []byte{}
			}
			return shards, nil
		}
		shards, err := enc.Split(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: split payload into shards: %v", err)
		}
		if err := enc.Encode(shards); err != nil {
			return nil, fmt.Errorf("codec: compute parity shards: %v", err)
		}
		return shards, nil

	default:
		return nil, fmt.Errorf("codec: unknown policy kind %d", p.Kind)
	}
}

// Decode reassembles the original payload from whichever fragments are
// present (nil entries mark missing/corrupt fragments), per spec.md §4.3:
// replication succeeds if any one fragment is present, erasure coding
// succeeds iff at least DataShards shards are present (missing ones are
// reconstructed). originalSize strips the zero-padding added on encode.
func Decode(fragments [][]byte, p Policy, originalSize int) ([]byte, error) {
	switch p.Kind {
	case KindReplicate:
		for _, f := range fragments {
			if f != nil {
				out := make([]byte, len(f))
				copy(out, f)
				return out, nil
			}
		}
		return nil, ErrUnrecoverable

	case KindErasureCode:
		if originalSize == 0 {
			return []byte{}, nil
		}
		enc, err := reedsolomon.New(p.DataShards, p.ParityShards)
		if err != nil {
			return nil, fmt.Errorf("codec: construct reed-solomon encoder: %v", err)
		}
		present := 0
		for _, f := range fragments {
			if f != nil {
				present++
			}
		}
		if present < p.DataShards {
			return nil, ErrUnrecoverable
		}
		work := make([][]byte, len(fragments))
		copy(work, fragments)
		if err := enc.ReconstructData(work); err != nil {
			return nil, fmt.Errorf("%w: reconstruct: %v", ErrUnrecoverable, err)
		}

		total := 0
		for i := 0; i < p.DataShards; i++ {
			total += len(work[i])
		}
		out := make([]byte, 0, total)
		for i := 0; i < p.DataShards; i++ {
			out = append(out, work[i]...)
		}
		if originalSize < 0 || originalSize > len(out) {
			return nil, fmt.Errorf("codec: invalid original size %d for %d recovered bytes", originalSize, len(out))
		}
		return out[:originalSize], nil

	default:
		return nil, fmt.Errorf("codec: unknown policy kind %d", p.Kind)
	}
}

// ReconstructShards recomputes exactly the missing/corrupt shard indices
// of an erasure-coded extent from the surviving ones, without touching the
// present shards and without decoding the full payload. Used by rebuild
// (spec.md §4.8 step 5: "for EC, recompute the specific shards by partial
// re-encode").
func ReconstructShards(shards [][]byte, p Policy) error {
	if p.Kind != KindErasureCode {
		return fmt.Errorf("codec: ReconstructShards only applies to erasure coding")
	}
	enc, err := reedsolomon.New(p.DataShards, p.ParityShards)
	if err != nil {
		return fmt.Errorf("codec: construct reed-solomon encoder: %v", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("codec: reconstruct shards: %v", err)
	}
	return nil
}
