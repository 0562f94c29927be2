package allocator

import (
	"path/filepath"
	"testing"
)

func TestAllocateContiguousFirstFit(t *testing.T) {
	a := New(16, "", Options{})

	start, err := a.AllocateContiguous(4)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if start != 0 {
		t.Fatalf("expected first allocation at unit 0, got %d", start)
	}

	start2, err := a.AllocateContiguous(4)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if start2 != 4 {
		t.Fatalf("expected second allocation at unit 4, got %d", start2)
	}

	if got := a.FreeUnits(); got != 8 {
		t.Fatalf("expected 8 free units, got %d", got)
	}
}

func TestAllocateNoSpace(t *testing.T) {
	a := New(4, "", Options{})
	if _, err := a.AllocateContiguous(4); err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if _, err := a.AllocateContiguous(1); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestFreeContiguousRoundTrip(t *testing.T) {
	a := New(8, "", Options{})
	start, err := a.AllocateContiguous(8)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if err := a.FreeContiguous(start, 8); err != nil {
		t.Fatalf("FreeContiguous: %v", err)
	}
	if got := a.FreeUnits(); got != 8 {
		t.Fatalf("expected all units free after FreeContiguous, got %d", got)
	}
}

func TestFreeContiguousDoubleFreeDetected(t *testing.T) {
	a := New(8, "", Options{})
	if err := a.FreeContiguous(0, 4); err == nil {
		t.Fatalf("expected ErrDoubleFree freeing already-free units, got nil")
	} else if _, ok := err.(*ErrDoubleFree); !ok {
		t.Fatalf("expected *ErrDoubleFree, got %T: %v", err, err)
	}
}

func TestFlushAndReopenPersistsBitmap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bitmap.bin")

	a := New(16, path, Options{FlushInterval: 1})
	if _, err := a.AllocateContiguous(5); err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened, err := Open(16, path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := reopened.FreeUnits(); got != 11 {
		t.Fatalf("expected 11 free units after reopen, got %d", got)
	}
}
