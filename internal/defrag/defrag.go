// Package defrag implements the single long-running defragmentation
// background worker described in spec.md §4.9: each pass finds extents
// whose fragments are overconcentrated on one Device and re-spreads them
// by reading, deleting, and re-writing the extent under fresh placement.
package defrag

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/blockpool/internal/engine"
)

var log = logrus.WithField("component", "defrag")

// Intensity sets the batch size and inter-candidate throttle for a
// defrag pass, per spec.md §4.9.
type Intensity int

const (
	IntensityLow Intensity = iota
	IntensityMedium
	IntensityHigh
)

// BatchSize returns how many fragmented extents one pass re-writes.
func (i Intensity) BatchSize() int {
	switch i {
	case IntensityLow:
		return 4
	case IntensityMedium:
		return 16
	case IntensityHigh:
		return 64
	default:
		return 4
	}
}

// IOThrottle returns the sleep between candidates within a pass.
func (i Intensity) IOThrottle() time.Duration {
	switch i {
	case IntensityLow:
		return 500 * time.Millisecond
	case IntensityMedium:
		return 100 * time.Millisecond
	case IntensityHigh:
		return 10 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Recommendation is the advisory defrag-urgency level derived from the
// fragmented/total extent ratio, per spec.md §4.9.
type Recommendation int

const (
	RecommendNone Recommendation = iota
	RecommendConsider
	RecommendRecommended
	RecommendUrgent
)

func (r Recommendation) String() string {
	switch r {
	case RecommendNone:
		return "none"
	case RecommendConsider:
		return "consider"
	case RecommendRecommended:
		return "recommended"
	case RecommendUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

func recommendationFor(ratio float64) Recommendation {
	switch {
	case ratio >= 0.5:
		return RecommendUrgent
	case ratio >= 0.3:
		return RecommendRecommended
	case ratio >= 0.15:
		return RecommendConsider
	default:
		return RecommendNone
	}
}

// Config tunes the defrag worker. Zero-value Config is usable: defaults
// are applied by New.
type Config struct {
	// MinExtentFragments: an extent counts as fragmented if any single
	// Device holds at least this many of its fragments.
	MinExtentFragments int
	// PrioritizeHotExtents sorts candidates by descending read+write
	// count before truncating to the batch size.
	PrioritizeHotExtents bool
	Intensity            Intensity
	// PassInterval is the sleep between passes.
	PassInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinExtentFragments <= 0 {
		c.MinExtentFragments = 2
	}
	if c.PassInterval <= 0 {
		c.PassInterval = 60 * time.Second
	}
}

// Worker is the defragmentation background worker.
type Worker struct {
	eng *engine.Engine
	cfg Config

	running int32 // 1 while the loop should keep iterating
	paused  int32

	mu            sync.Mutex
	lastRatio     float64
	lastRunAt     time.Time
}

// New builds a Worker bound to a storage engine.
func New(eng *engine.Engine, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{eng: eng, cfg: cfg}
}

// Run executes passes until Stop is called, sleeping PassInterval between
// them, per spec.md §5's "poll a shared running flag" cancellation model.
func (w *Worker) Run() {
	atomic.StoreInt32(&w.running, 1)
	for atomic.LoadInt32(&w.running) == 1 {
		for atomic.LoadInt32(&w.paused) == 1 && atomic.LoadInt32(&w.running) == 1 {
			time.Sleep(50 * time.Millisecond)
		}
		if atomic.LoadInt32(&w.running) == 0 {
			return
		}
		if err := w.Pass(); err != nil {
			log.WithError(err).Error("defrag: pass aborted")
		}
		w.sleepInterruptible(w.cfg.PassInterval)
	}
}

// Stop asks the worker to exit after the current extent finishes, per
// spec.md §5.
func (w *Worker) Stop() { atomic.StoreInt32(&w.running, 0) }

// Pause suspends progress before each pass and between candidates without
// exiting the loop.
func (w *Worker) Pause()  { atomic.StoreInt32(&w.paused, 1) }
func (w *Worker) Resume() { atomic.StoreInt32(&w.paused, 0) }

func (w *Worker) sleepInterruptible(d time.Duration) {
	const step = 200 * time.Millisecond
	for remaining := d; remaining > 0 && atomic.LoadInt32(&w.running) == 1; remaining -= step {
		if remaining < step {
			time.Sleep(remaining)
			return
		}
		time.Sleep(step)
	}
}

func (w *Worker) throttlePoint() {
	for atomic.LoadInt32(&w.paused) == 1 && atomic.LoadInt32(&w.running) == 1 {
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(w.cfg.Intensity.IOThrottle())
}

// candidate pairs an extent with its record and access heat (reads plus
// writes), for sorting and truncation.
type candidate struct {
	id   uuid.UUID
	rec  *engine.Record
	heat uint64
}

// Pass runs a single defragmentation pass: snapshot, select fragmented
// extents, re-write up to batch_size of them, per spec.md §4.9.
func (w *Worker) Pass() error {
	records, err := w.eng.ListAllExtents()
	if err != nil {
		return fmt.Errorf("defrag: snapshot extents: %v", err)
	}

	var candidates []candidate
	for id, rec := range records {
		if isFragmented(rec, w.cfg.MinExtentFragments) {
			candidates = append(candidates, candidate{id: id, rec: rec, heat: rec.ReadCount + rec.WriteCount})
		}
	}

	w.mu.Lock()
	if len(records) > 0 {
		w.lastRatio = float64(len(candidates)) / float64(len(records))
	} else {
		w.lastRatio = 0
	}
	w.lastRunAt = time.Now()
	w.mu.Unlock()

	if w.cfg.PrioritizeHotExtents {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].heat > candidates[j].heat })
	}
	batch := w.cfg.Intensity.BatchSize()
	if batch < len(candidates) {
		candidates = candidates[:batch]
	}

	for _, c := range candidates {
		if atomic.LoadInt32(&w.running) == 0 {
			return nil
		}
		if err := w.defragOne(c.id, c.rec); err != nil {
			return fmt.Errorf("defrag: candidate %s: %v", c.id, err)
		}
		w.throttlePoint()
	}
	w.eng.Metrics().DefragRunCompleted()
	return nil
}

// isFragmented reports whether rec has at least minPerDevice fragments on
// any single Device, per spec.md §4.9 step 2.
func isFragmented(rec *engine.Record, minPerDevice int) bool {
	counts := make(map[uuid.UUID]int, len(rec.Fragments))
	for _, f := range rec.Fragments {
		counts[f.Device]++
		if counts[f.Device] >= minPerDevice {
			return true
		}
	}
	return false
}

// defragOne reads, deletes, and re-writes one extent under fresh
// placement, failing loudly on a checksum mismatch (possible corruption),
// per spec.md §4.9 step 5. The new write mints a new extent UUID; spec.md
// §3 models defrag as "deletes and re-creates under the same upper-level
// identity", and remapping that identity is the excluded front-end's job.
func (w *Worker) defragOne(id uuid.UUID, rec *engine.Record) error {
	payload, err := w.eng.ReadExtent(id)
	if err != nil {
		return fmt.Errorf("read before defrag: %v", err)
	}
	beforeSum := rec.Checksum

	if err := w.eng.DeleteExtent(id); err != nil {
		return fmt.Errorf("delete before re-write: %v", err)
	}

	newRec, err := w.eng.WriteExtent(payload, rec.Policy, rec.Tier)
	if err != nil {
		return fmt.Errorf("re-write: %v", err)
	}
	if newRec.Checksum != beforeSum {
		return fmt.Errorf("checksum mismatch after defrag re-write of %s: possible corruption", id)
	}

	w.eng.Metrics().DefragExtentMoved(newRec.LogicalSize)
	return nil
}

// Recommendation reports the advisory urgency level from the most recent
// pass's fragmented/total ratio.
func (w *Worker) Recommendation() Recommendation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return recommendationFor(w.lastRatio)
}

// LastRunAt reports when the most recent pass took its extent snapshot;
// it is set before that pass re-writes any candidate.
func (w *Worker) LastRunAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRunAt
}
