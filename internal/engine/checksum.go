package engine

import (
	"crypto/sha256"

	"golang.org/x/crypto/blake2b"
)

// payloadChecksum computes the SHA-256 digest spec.md §3 names explicitly
// for the original payload.
func payloadChecksum(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// fragmentChecksum computes a per-fragment digest. Per-fragment checksums
// are computed far more often than the single payload checksum — once per
// fragment, on every write, read, and scrub pass — so they use blake2b-256
// for speed; spec.md's "SHA-256-or-equivalent" phrasing explicitly allows
// the substitution (see SPEC_FULL.md §4).
func fragmentChecksum(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// FragmentChecksum exports fragmentChecksum for the scrub daemon, which
// verifies fragments independently of ReadExtent/RebuildExtent.
func FragmentChecksum(data []byte) [32]byte { return fragmentChecksum(data) }
