package trim

import (
	"testing"

	"github.com/diskfs/blockpool/internal/allocator"
	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/engine"
	"github.com/diskfs/blockpool/internal/ioqueue"
)

// testAllocator builds an Allocator sized to dev's capacity, matching how
// internal/pool wires a Device to its Allocator.
func testAllocator(t *testing.T, dev *device.Device) *allocator.Allocator {
	t.Helper()
	units := dev.CapacityBytes() / uint64(dev.BlockSize())
	return allocator.New(uint(units), "", allocator.Options{})
}

// testRegistry attaches one Device and returns the Registry wrapping it,
// for use across this package's tests.
func testRegistry(t *testing.T) (*engine.Registry, *device.Device) {
	t.Helper()

	queue := ioqueue.New()
	t.Cleanup(queue.ShutdownAll)
	registry := engine.NewRegistry(queue, 2, 64)

	dev, err := device.Attach(t.TempDir(), device.Options{Tier: device.TierWarm, CapacityBytes: 16 << 20})
	if err != nil {
		t.Fatalf("device.Attach: %v", err)
	}
	alloc := testAllocator(t, dev)
	registry.Add(dev, alloc)
	return registry, dev
}

// TestTrimAccounting follows spec.md §8 seed scenario 5 at the worker's
// level: enqueue the 1 MiB range a deleted 1 MiB extent frees,
// pending_bytes reflects it, execute_trim drains it into
// total_bytes_trimmed and pending_bytes drops back to 0.
func TestTrimAccounting(t *testing.T) {
	registry, dev := testRegistry(t)
	w := New(registry, Config{})

	const oneMiB = 1 << 20
	units := uint(oneMiB / dev.BlockSize())
	w.Enqueue(dev.ID(), 0, units)

	if got := w.PendingBytes(dev.ID()); got < oneMiB {
		t.Fatalf("expected pending_bytes >= %d after enqueue, got %d", oneMiB, got)
	}

	beforeTrimmed, _, _ := w.Stats(dev.ID())

	if err := w.ExecuteTrim(dev); err != nil {
		t.Fatalf("ExecuteTrim: %v", err)
	}

	afterTrimmed, rangesTrimmed, lastTrimAt := w.Stats(dev.ID())
	if afterTrimmed-beforeTrimmed < oneMiB {
		t.Fatalf("expected total_bytes_trimmed to increase by >= %d, got delta %d", oneMiB, afterTrimmed-beforeTrimmed)
	}
	if rangesTrimmed == 0 {
		t.Fatalf("expected total_ranges_trimmed > 0 after execute_trim")
	}
	if lastTrimAt.IsZero() {
		t.Fatalf("expected last_trim_at to be set after execute_trim")
	}

	if got := w.PendingBytes(dev.ID()); got != 0 {
		t.Fatalf("expected pending_bytes == 0 after execute_trim drained the only batch, got %d", got)
	}
}

// TestExecuteTrimRespectsBatchSize verifies a pass stops once it has
// drained batch_size_mb bytes, leaving the remainder pending for the next
// pass, per spec.md §4.10 step 2.
func TestExecuteTrimRespectsBatchSize(t *testing.T) {
	registry, dev := testRegistry(t)
	w := New(registry, Config{BatchSizeMB: 1})

	unitsPerMiB := uint((1 << 20) / dev.BlockSize())
	w.Enqueue(dev.ID(), 0, unitsPerMiB)
	w.Enqueue(dev.ID(), unitsPerMiB, unitsPerMiB)

	if err := w.ExecuteTrim(dev); err != nil {
		t.Fatalf("ExecuteTrim: %v", err)
	}

	if got := w.PendingBytes(dev.ID()); got == 0 {
		t.Fatalf("expected some bytes still pending after a batch-size-limited pass, got 0")
	}
}

// TestIntensityThresholds spot-checks the Threshold/Delay table spec.md
// §4.10 names for each Intensity.
func TestIntensityThresholds(t *testing.T) {
	if IntensityHourly.Threshold() >= IntensityDaily.Threshold() {
		t.Fatalf("expected hourly threshold < daily threshold")
	}
	if IntensityDaily.Threshold() >= IntensityWeekly.Threshold() {
		t.Fatalf("expected daily threshold < weekly threshold")
	}
	if IntensityHourly.Delay() >= IntensityDaily.Delay() {
		t.Fatalf("expected hourly delay < daily delay")
	}
}
