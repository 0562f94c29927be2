package engine

import (
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/ioqueue"
	"github.com/diskfs/blockpool/internal/lockmgr"
	"github.com/diskfs/blockpool/internal/metadata"
	"github.com/diskfs/blockpool/internal/metrics"
)

// trimEnqueuer is the slice of the TRIM engine's API the storage engine
// needs: handing off freed unit ranges for discard, per spec.md §4.8 step 3
// of delete_extent. Declared here (rather than importing internal/trim
// directly) so internal/trim can depend on internal/engine's exported
// types without an import cycle.
type trimEnqueuer interface {
	Enqueue(device uuid.UUID, unitStart, unitCount uint)
}

var log = logrus.WithField("component", "engine")

// Config tunes the storage engine's behavior. Config is a plain struct
// constructed by the (out-of-scope) CLI/config layer and passed in, per
// SPEC_FULL.md §3 — no flag parsing or env lookup lives here.
type Config struct {
	// HotnessThreshold: an extent whose ReadCount exceeds this is read at
	// HighRead priority instead of NormalRead, per spec.md §4.8.
	HotnessThreshold uint64
	// DefaultTier is used when a caller does not specify one.
	DefaultTier device.Tier
}

func (c *Config) applyDefaults() {
	if c.HotnessThreshold == 0 {
		c.HotnessThreshold = 32
	}
}

// Engine is the storage engine tying together the codec, placement,
// device, allocator, lock manager, I/O scheduler, and metadata layers, per
// spec.md §4.8.
type Engine struct {
	cfg Config

	registry *Registry
	queue    *ioqueue.Scheduler
	locks    *lockmgr.Manager
	store    *metadata.Store
	metrics  *metrics.Metrics

	trimQueue trimEnqueuer
}

// New builds an Engine over an already-populated Registry, a shared
// I/O scheduler, lock manager, metadata store and metrics instance. These
// are constructed once and shared by the background workers as well (see
// internal/pool).
func New(cfg Config, registry *Registry, queue *ioqueue.Scheduler, locks *lockmgr.Manager, store *metadata.Store, m *metrics.Metrics) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, registry: registry, queue: queue, locks: locks, store: store, metrics: m}
}

// Metrics exposes the shared counters, per spec.md §6 (`metrics() -> &Metrics`).
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Registry exposes the device registry for callers (defrag, trim,
// reclamation, scrub) that need candidate/placement information too.
func (e *Engine) Registry() *Registry { return e.registry }

// Store exposes the metadata store for background workers that need raw
// snapshot access (defrag's list_all_extents, scrub's walk).
func (e *Engine) Store() *metadata.Store { return e.store }

// Queue exposes the shared I/O scheduler.
func (e *Engine) Queue() *ioqueue.Scheduler { return e.queue }

// Locks exposes the shared lock manager.
func (e *Engine) Locks() *lockmgr.Manager { return e.locks }

// SetTrimQueue wires the TRIM engine in after construction (internal/pool
// builds the Engine first, then the TRIM worker from the same Registry, and
// hands the worker over through this setter).
func (e *Engine) SetTrimQueue(t trimEnqueuer) { e.trimQueue = t }

func now() time.Time { return time.Now() }
