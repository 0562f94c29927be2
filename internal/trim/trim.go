// Package trim implements the per-device pending-discard queue and
// background worker described in spec.md §4.10: ranges freed by
// delete_extent accumulate here until a batch threshold or delay elapses,
// then get issued to the backing Device as a real discard call. Rebuild
// releases the units of replaced fragments without queuing them here.
package trim

import (
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/engine"
)

var log = logrus.WithField("component", "trim")

// Intensity sets the pending-byte threshold and inter-batch delay for the
// background loop, per spec.md §4.10.
type Intensity int

const (
	IntensityWeekly Intensity = iota
	IntensityDaily
	IntensityHourly
)

// Threshold is the pending-byte level that triggers an early batch run.
func (i Intensity) Threshold() uint64 {
	switch i {
	case IntensityWeekly:
		return 10 << 30 // 10 GiB
	case IntensityDaily:
		return 1 << 30 // 1 GiB
	case IntensityHourly:
		return 10 << 20 // 10 MiB
	default:
		return 10 << 30
	}
}

// Delay is the maximum time between batches even with no pending bytes.
func (i Intensity) Delay() time.Duration {
	switch i {
	case IntensityWeekly:
		return 7 * 24 * time.Hour
	case IntensityDaily:
		return 24 * time.Hour
	case IntensityHourly:
		return time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// rangeEntry is one pending discard, in allocator units.
type rangeEntry struct {
	unitStart uint
	unitCount uint
	bytes     uint64
}

// deviceQueue is one Device's pending discard ranges.
type deviceQueue struct {
	mu      sync.Mutex
	pending []rangeEntry
	bytes   uint64

	totalBytesTrimmed  uint64
	totalRangesTrimmed uint64
	lastTrimAt         time.Time
}

// Config tunes the TRIM worker.
type Config struct {
	Intensity   Intensity
	BatchSizeMB int
	SecureErase bool
}

func (c *Config) applyDefaults() {
	if c.BatchSizeMB <= 0 {
		c.BatchSizeMB = 256
	}
}

// Worker is the TRIM background worker and queue owner. It implements the
// trimEnqueuer interface internal/engine's Engine.SetTrimQueue expects.
type Worker struct {
	reg *engine.Registry
	cfg Config

	mu     sync.Mutex
	queues map[uuid.UUID]*deviceQueue

	running int32
}

// New builds a Worker bound to a device registry.
func New(reg *engine.Registry, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{reg: reg, cfg: cfg, queues: make(map[uuid.UUID]*deviceQueue)}
}

func (w *Worker) queueFor(dev uuid.UUID) *deviceQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queues[dev]
	if !ok {
		q = &deviceQueue{}
		w.queues[dev] = q
	}
	return q
}

// Enqueue appends a freed unit range to a Device's pending discard queue,
// per spec.md §4.10's queue_trim(device, range). Satisfies the
// trimEnqueuer interface internal/engine declares.
func (w *Worker) Enqueue(dev uuid.UUID, unitStart, unitCount uint) {
	d, _, ok := w.reg.Get(dev)
	if !ok {
		return
	}
	bytes := uint64(unitCount) * uint64(d.BlockSize())

	q := w.queueFor(dev)
	q.mu.Lock()
	q.pending = append(q.pending, rangeEntry{unitStart: unitStart, unitCount: unitCount, bytes: bytes})
	q.bytes += bytes
	q.mu.Unlock()
}

// batchSizeBytes converts Config.BatchSizeMB to bytes.
func (w *Worker) batchSizeBytes() uint64 { return uint64(w.cfg.BatchSizeMB) << 20 }

// ExecuteTrim drains pending ranges for dev until the cumulative byte
// count reaches batch_size_mb or the queue empties, issuing each range's
// discard (and, if configured, a zero-overwrite first), per spec.md §4.10
// step 2.
func (w *Worker) ExecuteTrim(dev *device.Device) error {
	q := w.queueFor(dev.ID())
	limit := w.batchSizeBytes()

	q.mu.Lock()
	var batch []rangeEntry
	var drained uint64
	for len(q.pending) > 0 && drained < limit {
		r := q.pending[0]
		q.pending = q.pending[1:]
		q.bytes -= r.bytes
		batch = append(batch, r)
		drained += r.bytes
	}
	q.mu.Unlock()

	for _, r := range batch {
		if err := dev.DiscardRange(r.unitStart, r.unitCount, w.cfg.SecureErase); err != nil {
			log.WithError(err).WithField("device", dev.ID().String()).Warn("trim: discard failed")
			continue
		}
	}

	q.mu.Lock()
	q.totalBytesTrimmed += drained
	q.totalRangesTrimmed += uint64(len(batch))
	q.lastTrimAt = time.Now()
	q.mu.Unlock()

	return nil
}

// PendingBytes reports dev's current pending-discard byte total.
func (w *Worker) PendingBytes(dev uuid.UUID) uint64 {
	q := w.queueFor(dev)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Stats returns dev's lifetime totals, per spec.md §4.10 step 3.
func (w *Worker) Stats(dev uuid.UUID) (bytesTrimmed, rangesTrimmed uint64, lastTrimAt time.Time) {
	q := w.queueFor(dev)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytesTrimmed, q.totalRangesTrimmed, q.lastTrimAt
}

// Run loops: once a second it checks whether the configured delay has
// elapsed since the last batch or any Device's pending bytes reached the
// intensity threshold, and if so runs ExecuteTrim on every Device, per
// spec.md §4.10's background-worker description.
func (w *Worker) Run(metrics interface{ TrimExecuted(uint64) }) {
	atomic.StoreInt32(&w.running, 1)
	threshold := w.cfg.Intensity.Threshold()
	delay := w.cfg.Intensity.Delay()

	const pollStep = time.Second
	lastRun := time.Now()

	for atomic.LoadInt32(&w.running) == 1 {
		time.Sleep(pollStep)
		elapsed := time.Since(lastRun) >= delay
		overThreshold := false
		for _, dev := range w.reg.All() {
			if w.PendingBytes(dev.ID()) >= threshold {
				overThreshold = true
				break
			}
		}
		if !elapsed && !overThreshold {
			continue
		}
		for _, dev := range w.reg.All() {
			before, _, _ := w.Stats(dev.ID())
			if err := w.ExecuteTrim(dev); err != nil {
				log.WithError(err).WithField("device", dev.ID().String()).Warn("trim: execute failed")
				continue
			}
			after, _, _ := w.Stats(dev.ID())
			if after > before {
				metrics.TrimExecuted(after - before)
			}
		}
		lastRun = time.Now()
	}
}

// Stop asks the background loop to exit within one poll step.
func (w *Worker) Stop() { atomic.StoreInt32(&w.running, 0) }
