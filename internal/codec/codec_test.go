package codec

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
)

func TestReplicateRoundTrip(t *testing.T) {
	payload := []byte("Hello, World!")
	policy := Replicate(3)

	fragments, err := Encode(payload, policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(fragments))
	}
	for _, f := range fragments {
		if !bytes.Equal(f, payload) {
			t.Fatalf("replicated fragment does not match payload")
		}
	}

	out, err := Decode(fragments, policy, len(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := deep.Equal(out, payload); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestReplicateDecodeSurvivesPartialLoss(t *testing.T) {
	payload := []byte("surviving copy")
	policy := Replicate(3)
	fragments, err := Encode(payload, policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fragments[0] = nil
	fragments[1] = nil

	out, err := Decode(fragments, policy, len(payload))
	if err != nil {
		t.Fatalf("Decode with 1 surviving fragment: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected recovered payload to match original")
	}
}

func TestReplicateDecodeUnrecoverableWhenAllMissing(t *testing.T) {
	policy := Replicate(2)
	fragments := make([][]byte, 2)
	if _, err := Decode(fragments, policy, 4); err != ErrUnrecoverable {
		t.Fatalf("expected ErrUnrecoverable, got %v", err)
	}
}

func TestErasureCodeSurvivesTwoFailures(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAA}, 2<<20)
	policy := ErasureCode(4, 2)

	shards, err := Encode(payload, policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(shards) != 6 {
		t.Fatalf("expected 6 shards, got %d", len(shards))
	}

	shards[0] = nil
	shards[3] = nil

	out, err := Decode(shards, policy, len(payload))
	if err != nil {
		t.Fatalf("Decode with 2 missing shards: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("recovered payload does not match original 2MiB buffer")
	}
}

func TestErasureCodeUnrecoverableWhenTooManyMissing(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 4096)
	policy := ErasureCode(4, 2)

	shards, err := Encode(payload, policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	shards[0] = nil
	shards[1] = nil
	shards[2] = nil

	if _, err := Decode(shards, policy, len(payload)); err != ErrUnrecoverable {
		t.Fatalf("expected ErrUnrecoverable with only 3 of 4 data shards, got %v", err)
	}
}

func TestReconstructShardsLeavesSurvivingShardsUntouched(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 4096)
	policy := ErasureCode(4, 2)

	shards, err := Encode(payload, policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	original1 := append([]byte(nil), shards[1]...)

	missing := shards[2]
	shards[2] = nil

	if err := ReconstructShards(shards, policy); err != nil {
		t.Fatalf("ReconstructShards: %v", err)
	}
	if !bytes.Equal(shards[1], original1) {
		t.Fatalf("ReconstructShards mutated a surviving shard")
	}
	if !bytes.Equal(shards[2], missing) {
		t.Fatalf("ReconstructShards produced wrong data for missing shard")
	}
}

func TestReconstructShardsRejectsReplication(t *testing.T) {
	policy := Replicate(2)
	if err := ReconstructShards(make([][]byte, 2), policy); err == nil {
		t.Fatalf("expected error calling ReconstructShards on a replication policy")
	}
}

func TestErasureCodeEmptyPayloadRoundTrips(t *testing.T) {
	policy := ErasureCode(4, 2)

	shards, err := Encode(nil, policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(shards) != 6 {
		t.Fatalf("expected 6 shards, got %d", len(shards))
	}
	for _, s := range shards {
		if len(s) != 0 {
			t.Fatalf("expected zero-length shards for an empty payload, got %d bytes", len(s))
		}
	}

	out, err := Decode(shards, policy, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty recovered payload, got %d bytes", len(out))
	}
}

func TestReplicateEmptyPayloadRoundTrips(t *testing.T) {
	policy := Replicate(3)

	fragments, err := Encode(nil, policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(fragments, policy, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty recovered payload, got %d bytes", len(out))
	}
}
