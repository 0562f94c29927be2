package ioqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSubmitProcessesInPriorityOrder(t *testing.T) {
	s := New()
	dev := uuid.New()
	s.RegisterDevice(dev, 1, 64)
	defer s.ShutdownAll()

	var mu sync.Mutex
	var order []Priority
	done := make(chan struct{})

	// Block the single worker until every request is queued, so the
	// submission order can't race the worker draining them one at a time.
	gate := make(chan struct{})
	blocker := &Request{
		ID: uuid.New(), Device: dev, Priority: PriorityCritical, Op: OpRead,
		Execute: func() (int, error) { <-gate; return 0, nil },
	}
	if err := s.Submit(blocker); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	priorities := []Priority{PriorityBackground, PriorityWrite, PriorityCritical, PriorityNormalRead}
	var wg sync.WaitGroup
	wg.Add(len(priorities))
	for _, p := range priorities {
		req := &Request{
			ID: uuid.New(), Device: dev, Priority: p, Op: OpRead,
			Execute: func() (int, error) { return 0, nil },
			OnComplete: func(err error) {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				wg.Done()
			},
		}
		if err := s.Submit(req); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	close(gate)

	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("requests never completed")
	}

	want := []Priority{PriorityCritical, PriorityNormalRead, PriorityWrite, PriorityBackground}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %d completions, got %d", len(want), len(order))
	}
	for i, p := range want {
		if order[i] != p {
			t.Fatalf("completion order mismatch at %d: want %v got %v (%v)", i, p, order[i], order)
		}
	}
}

func TestSubmitBackpressure(t *testing.T) {
	s := New()
	dev := uuid.New()
	s.RegisterDevice(dev, 1, 1)
	defer s.ShutdownAll()

	gate := make(chan struct{})
	blocker := &Request{
		ID: uuid.New(), Device: dev, Priority: PriorityWrite, Op: OpWrite,
		Execute: func() (int, error) { <-gate; return 0, nil },
	}
	if err := s.Submit(blocker); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	// First queued item fills the depth-1 queue while the worker is busy
	// with the blocker.
	filler := &Request{ID: uuid.New(), Device: dev, Priority: PriorityWrite, Op: OpWrite, Execute: func() (int, error) { return 0, nil }}
	if err := s.Submit(filler); err != nil {
		t.Fatalf("Submit filler: %v", err)
	}

	overflow := &Request{ID: uuid.New(), Device: dev, Priority: PriorityWrite, Op: OpWrite, Execute: func() (int, error) { return 0, nil }}
	if err := s.Submit(overflow); err != ErrBackpressureFull {
		t.Fatalf("expected ErrBackpressureFull, got %v", err)
	}
	close(gate)
}

func TestSubmitToUnregisteredDeviceFails(t *testing.T) {
	s := New()
	req := &Request{ID: uuid.New(), Device: uuid.New(), Priority: PriorityWrite, Op: OpWrite, Execute: func() (int, error) { return 0, nil }}
	if err := s.Submit(req); err == nil {
		t.Fatalf("expected error submitting to unregistered device")
	}
}

func TestShutdownDrainsThenRejects(t *testing.T) {
	s := New()
	dev := uuid.New()
	s.RegisterDevice(dev, 2, 16)

	var executed int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		req := &Request{
			ID: uuid.New(), Device: dev, Priority: PriorityWrite, Op: OpWrite,
			Execute: func() (int, error) {
				mu.Lock()
				executed++
				mu.Unlock()
				return 0, nil
			},
		}
		if err := s.Submit(req); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	s.Shutdown(dev)

	mu.Lock()
	n := executed
	mu.Unlock()
	if n != 5 {
		t.Fatalf("expected all 5 requests drained before shutdown returned, got %d", n)
	}

	if err := s.Submit(&Request{ID: uuid.New(), Device: dev, Priority: PriorityWrite, Op: OpWrite, Execute: func() (int, error) { return 0, nil }}); err != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown after Shutdown, got %v", err)
	}
}
