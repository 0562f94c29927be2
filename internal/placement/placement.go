// Package placement chooses which Devices receive which fragments of an
// extent, per spec.md §4.7.
package placement

import (
	"fmt"
	"math/rand"
	"sort"

	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/device"
)

// ErrInsufficientDevices is returned when fewer than k eligible Devices
// can be found even after widening the tier search.
var ErrInsufficientDevices = fmt.Errorf("placement: insufficient devices for requested redundancy")

// Candidate is the minimal view of a Device the placement engine needs.
type Candidate struct {
	ID            uuid.UUID
	Tier          device.Tier
	State         device.State
	CapacityBytes uint64
	UsedBytes     uint64
	Excluded      bool // already holds a surviving fragment of this extent
}

func (c Candidate) freeBytes() uint64 {
	if c.UsedBytes >= c.CapacityBytes {
		return 0
	}
	return c.CapacityBytes - c.UsedBytes
}

func (c Candidate) utilization() float64 {
	if c.CapacityBytes == 0 {
		return 1
	}
	return float64(c.UsedBytes) / float64(c.CapacityBytes)
}

// tierOrder returns the widen-search order starting at start: hot -> warm
// -> cold, per spec.md §4.7 step 2.
func tierOrder(start device.Tier) []device.Tier {
	all := []device.Tier{device.TierHot, device.TierWarm, device.TierCold}
	idx := 0
	for i, t := range all {
		if t == start {
			idx = i
			break
		}
	}
	return append(append([]device.Tier{}, all[idx:]...), all[:idx]...)
}

// Choose selects k distinct Device UUIDs, one per fragment, per the
// algorithm in spec.md §4.7. fragmentSize is the per-fragment byte size
// used to filter candidates with enough free space.
func Choose(candidates []Candidate, k int, fragmentSize uint64, tier device.Tier) ([]uuid.UUID, error) {
	if k <= 0 {
		return nil, nil
	}

	eligible := func(c Candidate) bool {
		return !c.Excluded && c.State == device.StateActive && c.freeBytes() >= fragmentSize
	}

	// Widen tier by tier (hot -> warm -> cold from the target), accumulating
	// candidates rather than resetting, per spec.md §4.7 step 2.
	var pool []Candidate
	for _, t := range tierOrder(tier) {
		for _, c := range candidates {
			if c.Tier == t && eligible(c) {
				pool = append(pool, c)
			}
		}
		if len(pool) >= k {
			return selectK(pool, k), nil
		}
	}
	return nil, ErrInsufficientDevices
}

// selectK sorts candidates by ascending utilization (ties broken randomly)
// and returns the UUIDs of the first k; fragment i is implicitly assigned
// to result[i].
func selectK(pool []Candidate, k int) []uuid.UUID {
	// Randomize first so that stable-sort tie-breaking on equal
	// utilization is effectively random, per spec.md §4.7 step 3.
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].utilization() < pool[j].utilization()
	})
	out := make([]uuid.UUID, k)
	for i := 0; i < k; i++ {
		out[i] = pool[i].ID
	}
	return out
}

// ChooseForRebuild selects replacement Devices for a rebuild, excluding any
// Device already holding a surviving fragment of the extent (diversity
// invariant), per spec.md §4.7's rebuild note.
func ChooseForRebuild(candidates []Candidate, survivingDevices map[uuid.UUID]bool, k int, fragmentSize uint64, tier device.Tier) ([]uuid.UUID, error) {
	marked := make([]Candidate, len(candidates))
	copy(marked, candidates)
	for i := range marked {
		if survivingDevices[marked[i].ID] {
			marked[i].Excluded = true
		}
	}
	return Choose(marked, k, fragmentSize, tier)
}
