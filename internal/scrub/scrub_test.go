package scrub

import (
	"testing"
	"time"

	"github.com/diskfs/blockpool/internal/allocator"
	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/engine"
	"github.com/diskfs/blockpool/internal/ioqueue"
	"github.com/diskfs/blockpool/internal/lockmgr"
	"github.com/diskfs/blockpool/internal/metadata"
	"github.com/diskfs/blockpool/internal/metrics"
)

// testEngine builds a fully wired Engine over n freshly attached Devices,
// matching internal/engine's own test helper.
func testEngine(t *testing.T, n int) (*engine.Engine, []*device.Device) {
	t.Helper()
	queue := ioqueue.New()
	locks := lockmgr.New()
	store, err := metadata.Open(t.TempDir(), metadata.Options{})
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	registry := engine.NewRegistry(queue, 2, 64)
	devs := make([]*device.Device, n)
	for i := 0; i < n; i++ {
		dev, err := device.Attach(t.TempDir(), device.Options{Tier: device.TierWarm, CapacityBytes: 16 << 20})
		if err != nil {
			t.Fatalf("device.Attach: %v", err)
		}
		units := dev.CapacityBytes() / uint64(dev.BlockSize())
		registry.Add(dev, allocator.New(uint(units), "", allocator.Options{}))
		devs[i] = dev
	}
	eng := engine.New(engine.Config{}, registry, queue, locks, store, metrics.New())
	t.Cleanup(queue.ShutdownAll)
	return eng, devs
}

func TestPassFindsNoIssuesOnHealthyPool(t *testing.T) {
	eng, _ := testEngine(t, 3)
	if _, err := eng.WriteExtent([]byte("healthy extent"), codec.Replicate(3), device.TierWarm); err != nil {
		t.Fatalf("WriteExtent: %v", err)
	}

	d := New(eng, Config{})
	if err := d.Pass(); err != nil {
		t.Fatalf("Pass: %v", err)
	}

	scanned, issues, repairs, _ := d.Stats()
	if scanned != 1 {
		t.Fatalf("expected 1 extent scanned, got %d", scanned)
	}
	if issues != 0 || repairs != 0 {
		t.Fatalf("expected no issues/repairs on a healthy pool, got issues=%d repairs=%d", issues, repairs)
	}
}

// TestPassDetectsMismatchAndRepairs corrupts one fragment on disk and
// checks that a scrub pass flags it and the drained repair queue rebuilds
// the extent back to full redundancy.
func TestPassDetectsMismatchAndRepairs(t *testing.T) {
	eng, devs := testEngine(t, 3)
	rec, err := eng.WriteExtent([]byte("will be corrupted"), codec.Replicate(3), device.TierWarm)
	if err != nil {
		t.Fatalf("WriteExtent: %v", err)
	}

	target := rec.Fragments[0]
	for _, dev := range devs {
		if dev.ID() == target.Device {
			if err := dev.WriteFragment(rec.ID, target.Index, []byte("corrupted bytes")); err != nil {
				t.Fatalf("corrupt fragment: %v", err)
			}
		}
	}

	d := New(eng, Config{})
	if err := d.Pass(); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	_, issues, repairs, _ := d.Stats()
	if issues == 0 {
		t.Fatalf("expected Pass to flag the corrupted fragment as an issue")
	}
	if repairs == 0 {
		t.Fatalf("expected Pass to enqueue a repair for the corrupted extent")
	}

	d.drainRepairs()

	all, err := eng.ListAllExtents()
	if err != nil {
		t.Fatalf("ListAllExtents: %v", err)
	}
	if all[rec.ID].Generation == 0 {
		t.Fatalf("expected repair to rebuild the extent and bump Generation")
	}
}

func TestClassifyTransientVsPersistent(t *testing.T) {
	now := time.Now()
	if got := classify([]time.Time{now}); got != faultTransient {
		t.Fatalf("expected a single mismatch to classify as transient, got %v", got)
	}
	if got := classify(nil); got != faultTransient {
		t.Fatalf("expected no history to classify as transient, got %v", got)
	}

	recent := []time.Time{now.Add(-time.Minute), now}
	if got := classify(recent); got != faultPersistent {
		t.Fatalf("expected 2 mismatches within the window to classify as persistent, got %v", got)
	}

	farApart := []time.Time{now.Add(-time.Hour), now}
	if got := classify(farApart); got != faultTransient {
		t.Fatalf("expected mismatches outside the window to classify as transient, got %v", got)
	}
}

func TestEnqueueRepairDeduplicatesAndOrdersByPriority(t *testing.T) {
	eng, _ := testEngine(t, 1)
	d := New(eng, Config{})

	rec1, err := eng.WriteExtent([]byte("one"), codec.Replicate(1), device.TierWarm)
	if err != nil {
		t.Fatalf("WriteExtent: %v", err)
	}
	rec2, err := eng.WriteExtent([]byte("two"), codec.Replicate(1), device.TierWarm)
	if err != nil {
		t.Fatalf("WriteExtent: %v", err)
	}

	d.enqueueRepair(rec1.ID, PriorityDegraded)
	d.enqueueRepair(rec2.ID, PriorityCritical)
	d.enqueueRepair(rec1.ID, PriorityDegraded) // duplicate, should not grow the queue

	if d.queue.Len() != 2 {
		t.Fatalf("expected 2 distinct queued repairs after a duplicate enqueue, got %d", d.queue.Len())
	}
	if d.queue[0].extent != rec2.ID {
		t.Fatalf("expected the Critical-priority repair to sort first")
	}
}
