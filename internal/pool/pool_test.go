package pool

import (
	"bytes"
	"testing"
	"time"

	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/device"
)

func testConfig(t *testing.T, diskCount int) Config {
	t.Helper()
	disks := make([]DiskConfig, diskCount)
	for i := range disks {
		disks[i] = DiskConfig{Path: t.TempDir(), Tier: device.TierWarm, CapacityBytes: 16 << 20}
	}
	return Config{
		Disks:       disks,
		MetadataDir: t.TempDir(),
	}
}

func TestOpenRejectsMissingMetadataDir(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.MetadataDir = ""
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected error opening a Pool with no MetadataDir")
	}
}

func TestWriteReadDeleteRoundTrip(t *testing.T) {
	p, err := Open(testConfig(t, 3))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	payload := []byte("pool-level round trip")
	rec, err := p.WriteExtent(payload, codec.Replicate(3), device.TierWarm)
	if err != nil {
		t.Fatalf("WriteExtent: %v", err)
	}

	got, err := p.ReadExtent(rec.ID)
	if err != nil {
		t.Fatalf("ReadExtent: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadExtent returned %q, want %q", got, payload)
	}

	if err := p.DeleteExtent(rec.ID); err != nil {
		t.Fatalf("DeleteExtent: %v", err)
	}
	all, err := p.ListAllExtents()
	if err != nil {
		t.Fatalf("ListAllExtents: %v", err)
	}
	if _, ok := all[rec.ID]; ok {
		t.Fatalf("expected deleted extent absent from ListAllExtents")
	}
}

func TestGetDisksReportsEveryAttachedDevice(t *testing.T) {
	p, err := Open(testConfig(t, 2))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	disks := p.GetDisks()
	if len(disks) != 2 {
		t.Fatalf("expected 2 disk statuses, got %d", len(disks))
	}
}

func TestDrainDiskStopsAcceptingPlacement(t *testing.T) {
	p, err := Open(testConfig(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	id := p.GetDisks()[0].ID
	if err := p.DrainDisk(id); err != nil {
		t.Fatalf("DrainDisk: %v", err)
	}

	if _, err := p.WriteExtent([]byte("no room"), codec.Replicate(1), device.TierWarm); err == nil {
		t.Fatalf("expected WriteExtent to fail once the only device is draining")
	}
}

func TestRunAndCloseStopBackgroundWorkersCleanly(t *testing.T) {
	p, err := Open(testConfig(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.Run()
	time.Sleep(20 * time.Millisecond)
	p.Close()
}

func TestTriggerReclamationDoesNotBlock(t *testing.T) {
	p, err := Open(testConfig(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	p.TriggerReclamation()
	p.TriggerReclamation()
}
