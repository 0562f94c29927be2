package defrag

import (
	"bytes"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/allocator"
	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/engine"
	"github.com/diskfs/blockpool/internal/ioqueue"
	"github.com/diskfs/blockpool/internal/lockmgr"
	"github.com/diskfs/blockpool/internal/metadata"
	"github.com/diskfs/blockpool/internal/metrics"
)

func testEngine(t *testing.T, n int) *engine.Engine {
	t.Helper()
	queue := ioqueue.New()
	locks := lockmgr.New()
	store, err := metadata.Open(t.TempDir(), metadata.Options{})
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	registry := engine.NewRegistry(queue, 2, 64)
	for i := 0; i < n; i++ {
		dev, err := device.Attach(t.TempDir(), device.Options{Tier: device.TierWarm, CapacityBytes: 16 << 20})
		if err != nil {
			t.Fatalf("device.Attach: %v", err)
		}
		units := dev.CapacityBytes() / uint64(dev.BlockSize())
		registry.Add(dev, allocator.New(uint(units), "", allocator.Options{}))
	}
	eng := engine.New(engine.Config{}, registry, queue, locks, store, metrics.New())
	t.Cleanup(queue.ShutdownAll)
	return eng
}

func TestIsFragmentedDetectsConcentration(t *testing.T) {
	dev := uuid.NewV4()
	other := uuid.NewV4()

	concentrated := &engine.Record{Fragments: []engine.FragmentLocation{{Device: dev}, {Device: dev}}}
	if !isFragmented(concentrated, 2) {
		t.Fatalf("expected 2 fragments on one device to count as fragmented at threshold 2")
	}

	spread := &engine.Record{Fragments: []engine.FragmentLocation{{Device: dev}, {Device: other}}}
	if isFragmented(spread, 2) {
		t.Fatalf("expected 1-fragment-per-device layout to not count as fragmented at threshold 2")
	}
}

func TestRecommendationForThresholds(t *testing.T) {
	cases := []struct {
		ratio float64
		want  Recommendation
	}{
		{0.0, RecommendNone},
		{0.1, RecommendNone},
		{0.2, RecommendConsider},
		{0.4, RecommendRecommended},
		{0.6, RecommendUrgent},
	}
	for _, c := range cases {
		if got := recommendationFor(c.ratio); got != c.want {
			t.Fatalf("recommendationFor(%v) = %v, want %v", c.ratio, got, c.want)
		}
	}
}

func TestPassRewritesCandidatePreservingContent(t *testing.T) {
	eng := testEngine(t, 2)
	payload := []byte("defragment me")

	rec, err := eng.WriteExtent(payload, codec.Replicate(2), device.TierWarm)
	if err != nil {
		t.Fatalf("WriteExtent: %v", err)
	}

	// MinExtentFragments=1 forces every extent to count as a defrag
	// candidate regardless of actual per-device concentration, so this
	// pass exercises defragOne's read-delete-rewrite-verify cycle.
	w := New(eng, Config{MinExtentFragments: 1, Intensity: IntensityHigh})
	if err := w.Pass(); err != nil {
		t.Fatalf("Pass: %v", err)
	}

	all, err := eng.ListAllExtents()
	if err != nil {
		t.Fatalf("ListAllExtents: %v", err)
	}
	if _, ok := all[rec.ID]; ok {
		t.Fatalf("expected original extent deleted after defrag re-write")
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 extent after defrag (the re-written one), got %d", len(all))
	}
	for newID := range all {
		got, err := eng.ReadExtent(newID)
		if err != nil {
			t.Fatalf("ReadExtent re-written extent: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("re-written extent content mismatch")
		}
	}

	snap := eng.Metrics().Snapshot()
	if snap.DefragRunsCompleted != 1 {
		t.Fatalf("expected 1 completed defrag run, got %d", snap.DefragRunsCompleted)
	}
	if snap.DefragExtentsMoved != 1 {
		t.Fatalf("expected 1 extent moved, got %d", snap.DefragExtentsMoved)
	}
}

func TestPauseResumeBlocksProgress(t *testing.T) {
	eng := testEngine(t, 2)
	w := New(eng, Config{PassInterval: 20 * time.Millisecond})
	w.Pause()

	go w.Run()
	defer w.Stop()

	time.Sleep(80 * time.Millisecond)
	if got := w.LastRunAt(); !got.IsZero() {
		t.Fatalf("expected no pass to complete while paused, LastRunAt=%v", got)
	}
}
