package placement

import (
	"testing"

	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/device"
)

func makeCandidate(tier device.Tier, usedBytes uint64) Candidate {
	return Candidate{
		ID:            uuid.NewV4(),
		Tier:          tier,
		State:         device.StateActive,
		CapacityBytes: 100,
		UsedBytes:     usedBytes,
	}
}

func TestChoosePrefersLowerUtilization(t *testing.T) {
	low := makeCandidate(device.TierHot, 10)
	high := makeCandidate(device.TierHot, 90)
	candidates := []Candidate{high, low}

	chosen, err := Choose(candidates, 1, 5, device.TierHot)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if chosen[0] != low.ID {
		t.Fatalf("expected the less-utilized device to be chosen")
	}
}

func TestChooseWidensAcrossTiers(t *testing.T) {
	cold := makeCandidate(device.TierCold, 0)
	candidates := []Candidate{cold}

	chosen, err := Choose(candidates, 1, 5, device.TierHot)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if chosen[0] != cold.ID {
		t.Fatalf("expected widened search to reach the cold-tier candidate")
	}
}

func TestChooseExcludesInsufficientSpace(t *testing.T) {
	tight := makeCandidate(device.TierHot, 99)
	candidates := []Candidate{tight}

	if _, err := Choose(candidates, 1, 50, device.TierHot); err != ErrInsufficientDevices {
		t.Fatalf("expected ErrInsufficientDevices, got %v", err)
	}
}

func TestChooseSkipsDrainingDevices(t *testing.T) {
	draining := makeCandidate(device.TierHot, 0)
	draining.State = device.StateDraining
	active := makeCandidate(device.TierHot, 0)

	chosen, err := Choose([]Candidate{draining, active}, 1, 5, device.TierHot)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if chosen[0] != active.ID {
		t.Fatalf("expected the active device to be chosen over the draining one")
	}
}

func TestChooseForRebuildExcludesSurvivingDevices(t *testing.T) {
	surviving := makeCandidate(device.TierHot, 0)
	replacement := makeCandidate(device.TierHot, 0)
	candidates := []Candidate{surviving, replacement}

	chosen, err := ChooseForRebuild(candidates, map[uuid.UUID]bool{surviving.ID: true}, 1, 5, device.TierHot)
	if err != nil {
		t.Fatalf("ChooseForRebuild: %v", err)
	}
	if chosen[0] != replacement.ID {
		t.Fatalf("expected rebuild to avoid the surviving device for diversity, got %v", chosen[0])
	}
}

func TestChooseForRebuildFailsWhenOnlySurvivingDeviceAvailable(t *testing.T) {
	surviving := makeCandidate(device.TierHot, 0)
	candidates := []Candidate{surviving}

	if _, err := ChooseForRebuild(candidates, map[uuid.UUID]bool{surviving.ID: true}, 1, 5, device.TierHot); err != ErrInsufficientDevices {
		t.Fatalf("expected ErrInsufficientDevices, got %v", err)
	}
}
