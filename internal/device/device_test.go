package device

import (
	"bytes"
	"testing"

	uuid "github.com/satori/go.uuid"
)

func attachTestDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := Attach(t.TempDir(), Options{Tier: TierWarm, CapacityBytes: 16 << 20})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return dev
}

func TestAttachPersistsUUIDAcrossReattach(t *testing.T) {
	path := t.TempDir()
	first, err := Attach(path, Options{Tier: TierHot, CapacityBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	second, err := Attach(path, Options{Tier: TierHot, CapacityBytes: 1 << 20})
	if err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if first.ID() != second.ID() {
		t.Fatalf("expected stable UUID across reattachment, got %s then %s", first.ID(), second.ID())
	}
}

func TestWriteReadDeleteFragmentRoundTrip(t *testing.T) {
	dev := attachTestDevice(t)
	id := uuid.NewV4()
	payload := []byte("fragment payload")

	if err := dev.WriteFragment(id, 0, payload); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	got, err := dev.ReadFragment(id, 0)
	if err != nil {
		t.Fatalf("ReadFragment: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read fragment does not match written payload")
	}

	if err := dev.DeleteFragment(id, 0); err != nil {
		t.Fatalf("DeleteFragment: %v", err)
	}
	if _, err := dev.ReadFragment(id, 0); err == nil {
		t.Fatalf("expected error reading a deleted fragment")
	}
}

func TestDrainThenAcceptsReadsNotPlacement(t *testing.T) {
	dev := attachTestDevice(t)
	if !dev.AcceptsPlacement() {
		t.Fatalf("expected active device to accept placement")
	}
	if err := dev.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if dev.AcceptsPlacement() {
		t.Fatalf("expected draining device to reject new placement")
	}
	if !dev.AcceptsReads() {
		t.Fatalf("expected draining device to still accept reads")
	}
}

func TestDrainTwiceFails(t *testing.T) {
	dev := attachTestDevice(t)
	if err := dev.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := dev.Drain(); err == nil {
		t.Fatalf("expected error draining an already-draining device")
	}
}

func TestRecordIOErrorTripsFailedAtThreshold(t *testing.T) {
	dev, err := Attach(t.TempDir(), Options{Tier: TierWarm, CapacityBytes: 1 << 20, ErrorThreshold: 3})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	for i := 0; i < 3; i++ {
		dev.RecordIOError()
	}
	if dev.State() != StateActive {
		t.Fatalf("expected device still active at threshold boundary, got %s", dev.State())
	}
	dev.RecordIOError()
	if dev.State() != StateFailed {
		t.Fatalf("expected device failed after exceeding error threshold, got %s", dev.State())
	}
}

func TestAddUsedAndUtilization(t *testing.T) {
	dev, err := Attach(t.TempDir(), Options{Tier: TierWarm, CapacityBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	dev.AddUsed(1 << 18)
	if got := dev.UsedBytes(); got != 1<<18 {
		t.Fatalf("expected UsedBytes()==%d, got %d", 1<<18, got)
	}
	if got := dev.Utilization(); got != 0.25 {
		t.Fatalf("expected Utilization()==0.25, got %v", got)
	}
	dev.AddUsed(-(1 << 18))
	if got := dev.UsedBytes(); got != 0 {
		t.Fatalf("expected UsedBytes()==0 after release, got %d", got)
	}
}

func TestAlignUpAndIsAligned(t *testing.T) {
	if got := AlignUp(10, 8); got != 16 {
		t.Fatalf("AlignUp(10,8) = %d, want 16", got)
	}
	if got := AlignUp(16, 8); got != 16 {
		t.Fatalf("AlignUp(16,8) = %d, want 16", got)
	}
	if !IsAligned(16, 8) {
		t.Fatalf("expected 16 aligned to 8")
	}
	if IsAligned(10, 8) {
		t.Fatalf("expected 10 not aligned to 8")
	}
}
