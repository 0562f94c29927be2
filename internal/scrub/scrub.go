// Package scrub implements the scrub daemon described in spec.md §4.12:
// a periodic walk of every extent's fragments, verifying checksums and
// queuing repairs for anything that fails.
package scrub

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	gouuid "github.com/google/uuid"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/blockpool/internal/engine"
	"github.com/diskfs/blockpool/internal/ioqueue"
)

var log = logrus.WithField("component", "scrub")

// Intensity controls the walk's throttle between extents.
type Intensity int

const (
	IntensityLow Intensity = iota
	IntensityMedium
	IntensityHigh
)

// Throttle returns the sleep between extents at this intensity.
func (i Intensity) Throttle() time.Duration {
	switch i {
	case IntensityLow:
		return 200 * time.Millisecond
	case IntensityMedium:
		return 50 * time.Millisecond
	case IntensityHigh:
		return 5 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}

// Priority-ordered repair queue: lower numeric value is more urgent, per
// spec.md §4.12 ("a Critical unrecoverable extent receives priority 0").
const (
	PriorityCritical = 0
	PriorityDegraded = 1
)

type repairRequest struct {
	extent   uuid.UUID
	priority int
	seq      uint64
}

type repairHeap []repairRequest

func (h repairHeap) Len() int { return len(h) }
func (h repairHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h repairHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *repairHeap) Push(x any)   { *h = append(*h, x.(repairRequest)) }
func (h *repairHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// faultClass distinguishes a one-off bit flip from a device trending
// toward failure, per SPEC_FULL.md §5.
type faultClass int

const (
	faultTransient faultClass = iota
	faultPersistent
)

// classify inspects recent checksum-mismatch timestamps for one
// (extent, fragment) pair and decides whether the most recent mismatch
// looks transient (isolated) or persistent (recurring within a short
// window), per SPEC_FULL.md §5's scrub fault classifier.
func classify(recentMismatches []time.Time) faultClass {
	const window = 10 * time.Minute
	const persistentCount = 2

	if len(recentMismatches) < persistentCount {
		return faultTransient
	}
	last := recentMismatches[len(recentMismatches)-1]
	count := 0
	for _, t := range recentMismatches {
		if last.Sub(t) <= window {
			count++
		}
	}
	if count >= persistentCount {
		return faultPersistent
	}
	return faultTransient
}

// mismatchKey identifies one (extent, fragment) pair for the classifier's
// recent-history tracking.
type mismatchKey struct {
	extent uuid.UUID
	index  int
}

// Config tunes the scrub daemon.
type Config struct {
	Intensity    Intensity
	PassInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.PassInterval <= 0 {
		c.PassInterval = 30 * time.Minute
	}
}

// Daemon is the scrub background worker.
type Daemon struct {
	eng *engine.Engine
	cfg Config

	mu           sync.Mutex
	queue        repairHeap
	queued       map[uuid.UUID]bool
	seq          uint64
	mismatchLog  map[mismatchKey][]time.Time

	extentsScanned  uint64
	issuesFound     uint64
	repairsTriggered uint64
	scrubIOBytes    uint64

	running int32
}

// New builds a Daemon bound to a storage engine.
func New(eng *engine.Engine, cfg Config) *Daemon {
	cfg.applyDefaults()
	return &Daemon{
		eng:         eng,
		cfg:         cfg,
		queued:      make(map[uuid.UUID]bool),
		mismatchLog: make(map[mismatchKey][]time.Time),
	}
}

// Run loops: walk all extents, verify fragments, queue repairs; process
// queued repairs between walks; sleep PassInterval; repeat until Stop.
func (d *Daemon) Run() {
	atomic.StoreInt32(&d.running, 1)
	for atomic.LoadInt32(&d.running) == 1 {
		if err := d.Pass(); err != nil {
			log.WithError(err).Error("scrub: pass failed")
		}
		d.drainRepairs()
		d.sleepInterruptible(d.cfg.PassInterval)
	}
}

// Stop asks the daemon to exit within one throttle interval.
func (d *Daemon) Stop() { atomic.StoreInt32(&d.running, 0) }

func (d *Daemon) sleepInterruptible(dur time.Duration) {
	const step = 200 * time.Millisecond
	for remaining := dur; remaining > 0 && atomic.LoadInt32(&d.running) == 1; remaining -= step {
		if remaining < step {
			time.Sleep(remaining)
			return
		}
		time.Sleep(step)
	}
}

// Pass walks every extent once, verifying each fragment's checksum, per
// spec.md §4.12.
func (d *Daemon) Pass() error {
	records, err := d.eng.ListAllExtents()
	if err != nil {
		return err
	}

	for id, rec := range records {
		if atomic.LoadInt32(&d.running) == 0 {
			return nil
		}
		d.scanExtent(id, rec)
		time.Sleep(d.cfg.Intensity.Throttle())
	}
	return nil
}

func (d *Daemon) scanExtent(id uuid.UUID, rec *engine.Record) {
	atomic.AddUint64(&d.extentsScanned, 1)

	surviving := 0
	degraded := false
	for _, loc := range rec.Fragments {
		dev, _, ok := d.eng.Registry().Get(loc.Device)
		if !ok {
			continue
		}

		var data []byte
		result := make(chan error, 1)
		req := &ioqueue.Request{
			ID:       gouuid.New(),
			Device:   loc.Device,
			Priority: ioqueue.PriorityBackground,
			Op:       ioqueue.OpRead,
			Execute: func() (int, error) {
				fragData, err := dev.ReadFragment(id, loc.Index)
				if err != nil {
					return 0, err
				}
				data = fragData
				return len(fragData), nil
			},
			OnComplete: func(err error) { result <- err },
		}
		if err := d.eng.Queue().Submit(req); err != nil {
			// Shed this fragment's scan rather than block; retry next pass
			// (SPEC_FULL.md §8 Open Question decision).
			continue
		}
		if err := <-result; err != nil {
			d.recordMismatch(id, loc.Index, dev.ID())
			degraded = true
			continue
		}
		atomic.AddUint64(&d.scrubIOBytes, uint64(len(data)))

		sum := engine.FragmentChecksum(data)
		if loc.Index >= len(rec.FragmentChecksums) || sum != rec.FragmentChecksums[loc.Index] {
			d.recordMismatch(id, loc.Index, dev.ID())
			degraded = true
			continue
		}
		surviving++
	}

	if !degraded {
		return
	}
	atomic.AddUint64(&d.issuesFound, 1)

	priority := PriorityDegraded
	if surviving < rec.MinFragmentsNeeded() {
		priority = PriorityCritical
	}
	d.enqueueRepair(id, priority)
}

func (d *Daemon) recordMismatch(extent uuid.UUID, index int, devID uuid.UUID) {
	key := mismatchKey{extent: extent, index: index}
	now := time.Now()

	d.mu.Lock()
	hist := append(d.mismatchLog[key], now)
	const keepHistory = 8
	if len(hist) > keepHistory {
		hist = hist[len(hist)-keepHistory:]
	}
	d.mismatchLog[key] = hist
	d.mu.Unlock()

	class := classify(hist)
	if class == faultPersistent {
		if dev, _, ok := d.eng.Registry().Get(devID); ok {
			dev.RecordIOError()
		}
	}
}

// enqueueRepair adds an extent to the priority-ordered repair queue,
// deduplicating already-queued extents.
func (d *Daemon) enqueueRepair(id uuid.UUID, priority int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queued[id] {
		return
	}
	d.queued[id] = true
	d.seq++
	heap.Push(&d.queue, repairRequest{extent: id, priority: priority, seq: d.seq})
	atomic.AddUint64(&d.repairsTriggered, 1)
}

// drainRepairs processes every queued repair, most urgent first, via the
// storage engine's rebuild path.
func (d *Daemon) drainRepairs() {
	for {
		d.mu.Lock()
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		req := heap.Pop(&d.queue).(repairRequest)
		delete(d.queued, req.extent)
		d.mu.Unlock()

		if err := d.eng.RebuildExtent(req.extent); err != nil {
			log.WithError(err).WithField("extent", req.extent.String()).Warn("scrub: repair failed")
		}
	}
}

// Stats returns the daemon's lifetime scan/repair counters, per spec.md
// §4.12.
func (d *Daemon) Stats() (extentsScanned, issuesFound, repairsTriggered, scrubIOBytes uint64) {
	return atomic.LoadUint64(&d.extentsScanned),
		atomic.LoadUint64(&d.issuesFound),
		atomic.LoadUint64(&d.repairsTriggered),
		atomic.LoadUint64(&d.scrubIOBytes)
}
