// Package ioqueue implements the per-device priority queue and worker pool
// described in spec.md §4.6: the only path that touches Devices for data
// I/O during normal operation, which is what makes backpressure and
// prioritization effective.
package ioqueue

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ioqueue")

// Priority orders requests to the same device; lower numeric value means
// higher precedence.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHighRead
	PriorityNormalRead
	PriorityWrite
	PriorityBackground
)

// Op is the kind of I/O a Request performs.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpDelete
)

// ErrBackpressureFull is returned by Submit when the target device's queue
// is at capacity.
var ErrBackpressureFull = fmt.Errorf("ioqueue: backpressure, queue full")

// ErrShuttingDown is returned by Submit once Shutdown has been called for
// a device queue.
var ErrShuttingDown = fmt.Errorf("ioqueue: queue is shutting down")

// Request is a single unit of device I/O, living only in memory.
type Request struct {
	ID       uuid.UUID
	Device   uuid.UUID
	Priority Priority
	Op       Op

	// Execute performs the actual I/O against the device and returns the
	// bytes read (for OpRead) or moved, used for per-queue byte counters.
	Execute func() (bytesMoved int, err error)

	// OnComplete, if set, is invoked by the worker after Execute returns,
	// outside any queue lock.
	OnComplete func(err error)

	submitSeq uint64
}

// pqItem wraps a Request for the heap, ordering by (priority, submit seq).
type pqItem struct {
	req *Request
}

type priorityHeap []*pqItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].req.submitSeq < h[j].req.submitSeq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*pqItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// deviceQueue is one Device's pending work plus its worker pool.
type deviceQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    priorityHeap
	shutdown bool

	maxQueueSize int
	workerCount  int
	nextSeq      uint64

	processed uint64
	bytes     uint64

	wg sync.WaitGroup
}

// Scheduler owns one deviceQueue per registered Device.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[uuid.UUID]*deviceQueue
	length  int64 // aggregate queue length, for metrics
}

// New builds an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{queues: make(map[uuid.UUID]*deviceQueue)}
}

// RegisterDevice registers a device with a fixed worker count and maximum
// queue depth, starting its worker pool.
func (s *Scheduler) RegisterDevice(device uuid.UUID, workerCount, maxQueueSize int) {
	if workerCount <= 0 {
		workerCount = 1
	}
	s.mu.Lock()
	q, exists := s.queues[device]
	if !exists {
		q = &deviceQueue{maxQueueSize: maxQueueSize, workerCount: workerCount}
		q.cond = sync.NewCond(&q.mu)
		s.queues[device] = q
	}
	s.mu.Unlock()
	if exists {
		return
	}
	for i := 0; i < workerCount; i++ {
		q.wg.Add(1)
		go s.worker(q)
	}
}

// QueueLength returns the current pending-request count for device.
func (s *Scheduler) QueueLength(device uuid.UUID) int {
	s.mu.Lock()
	q := s.queues[device]
	s.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns (processed, bytes) counters for device.
func (s *Scheduler) Stats(device uuid.UUID) (processed, bytes uint64) {
	s.mu.Lock()
	q := s.queues[device]
	s.mu.Unlock()
	if q == nil {
		return 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed, q.bytes
}

// Submit enqueues a request, sorted by (priority, submit order), and wakes
// a worker. Returns ErrBackpressureFull if the device's queue is already
// at max_queue_size.
func (s *Scheduler) Submit(req *Request) error {
	s.mu.Lock()
	q := s.queues[req.Device]
	s.mu.Unlock()
	if q == nil {
		return fmt.Errorf("ioqueue: device %s not registered", req.Device)
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	if q.maxQueueSize > 0 && len(q.items) >= q.maxQueueSize {
		q.mu.Unlock()
		return ErrBackpressureFull
	}
	q.nextSeq++
	req.submitSeq = q.nextSeq
	heap.Push(&q.items, &pqItem{req: req})
	atomic.AddInt64(&s.length, 1)
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

func (s *Scheduler) worker(q *deviceQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.shutdown {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.shutdown {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(*pqItem)
		q.mu.Unlock()
		atomic.AddInt64(&s.length, -1)

		req := item.req
		n, err := req.Execute()
		if err != nil {
			log.WithError(err).WithField("device", req.Device.String()).Warn("ioqueue: request failed")
		}

		q.mu.Lock()
		q.processed++
		q.bytes += uint64(n)
		q.mu.Unlock()

		if req.OnComplete != nil {
			req.OnComplete(err)
		}
	}
}

// Shutdown sets the per-queue flag for device, broadcasts, and waits for
// the queue to drain before its workers exit.
func (s *Scheduler) Shutdown(device uuid.UUID) {
	s.mu.Lock()
	q := s.queues[device]
	s.mu.Unlock()
	if q == nil {
		return
	}
	q.mu.Lock()
	q.shutdown = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

// ShutdownAll shuts down every registered device queue.
func (s *Scheduler) ShutdownAll() {
	s.mu.Lock()
	devices := make([]uuid.UUID, 0, len(s.queues))
	for d := range s.queues {
		devices = append(devices, d)
	}
	s.mu.Unlock()
	for _, d := range devices {
		s.Shutdown(d)
	}
}

// TotalQueueLength is the aggregate pending-request count across every
// registered device, used for the io_queue_length metric.
func (s *Scheduler) TotalQueueLength() int64 {
	return atomic.LoadInt64(&s.length)
}
