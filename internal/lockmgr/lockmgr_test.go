package lockmgr

import (
	"sync"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
)

func TestWriteExcludesRead(t *testing.T) {
	m := New()
	id := uuid.NewV4()

	w := m.Write(id)

	acquired := make(chan struct{})
	go func() {
		h := m.Read(id)
		close(acquired)
		h.Release()
	}()

	select {
	case <-acquired:
		t.Fatalf("reader acquired lock while writer held it")
	case <-time.After(50 * time.Millisecond):
	}

	w.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("reader never acquired lock after writer released")
	}
}

func TestConcurrentReadersAllowed(t *testing.T) {
	m := New()
	id := uuid.NewV4()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h := m.Read(id)
			time.Sleep(10 * time.Millisecond)
			h.Release()
		}()
	}
	close(start)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("concurrent readers deadlocked or serialized beyond timeout")
	}
}

func TestRemoveIsNoOpWhileHeld(t *testing.T) {
	m := New()
	id := uuid.NewV4()

	h := m.Write(id)
	m.Remove(id)
	if got := m.LockCount(); got != 1 {
		t.Fatalf("expected entry to survive Remove while held, LockCount=%d", got)
	}
	h.Release()
	m.Remove(id)
	if got := m.LockCount(); got != 0 {
		t.Fatalf("expected entry removed after Release+Remove, LockCount=%d", got)
	}
}

func TestLockCountTracksDistinctExtents(t *testing.T) {
	m := New()
	ids := make([]uuid.UUID, 5)
	handles := make([]*Handle, 5)
	for i := range ids {
		ids[i] = uuid.NewV4()
		handles[i] = m.Write(ids[i])
	}
	if got := m.LockCount(); got != 5 {
		t.Fatalf("expected 5 live entries, got %d", got)
	}
	for _, h := range handles {
		h.Release()
	}
	for _, id := range ids {
		m.Remove(id)
	}
	if got := m.LockCount(); got != 0 {
		t.Fatalf("expected 0 live entries after releasing all, got %d", got)
	}
}
