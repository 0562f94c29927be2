// Package pool is the top-level wiring package: it builds one Device per
// configured backing path, a shared I/O scheduler, lock manager, metadata
// store and metrics instance, and the storage engine and four background
// workers described in spec.md §4 that all share them, then exposes the
// public Engine API from spec.md §6 as the Pool type.
package pool

import (
	"fmt"
	"path/filepath"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/blockpool/internal/allocator"
	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/defrag"
	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/engine"
	"github.com/diskfs/blockpool/internal/ioqueue"
	"github.com/diskfs/blockpool/internal/lockmgr"
	"github.com/diskfs/blockpool/internal/metadata"
	"github.com/diskfs/blockpool/internal/metrics"
	"github.com/diskfs/blockpool/internal/reclaim"
	"github.com/diskfs/blockpool/internal/scrub"
	"github.com/diskfs/blockpool/internal/trim"
)

var log = logrus.WithField("component", "pool")

// DiskConfig describes one backing path to attach as a Device, per spec.md
// §4.1.
type DiskConfig struct {
	Path          string
	Tier          device.Tier
	CapacityBytes uint64
}

// Config aggregates every subsystem's configuration. It is a plain struct
// built by the (out-of-scope) CLI/config layer, per SPEC_FULL.md §3.
type Config struct {
	Disks []DiskConfig

	MetadataDir string

	Engine  engine.Config
	Metadata metadata.Options
	Defrag  defrag.Config
	Trim    trim.Config
	Reclaim reclaim.Config
	Scrub   scrub.Config

	// IOWorkersPerDevice and IOQueueDepth size each Device's slice of the
	// shared I/O scheduler, per spec.md §4.6.
	IOWorkersPerDevice int
	IOQueueDepth       int
}

func (c *Config) applyDefaults() {
	if c.IOWorkersPerDevice <= 0 {
		c.IOWorkersPerDevice = 4
	}
	if c.IOQueueDepth <= 0 {
		c.IOQueueDepth = 256
	}
}

// Pool is the assembled block-storage engine: the storage engine plus the
// defrag, TRIM, reclamation, and scrub background workers, all sharing one
// Registry, I/O scheduler, lock manager, metadata store, and metrics
// instance, per spec.md §6.
type Pool struct {
	cfg Config

	eng     *engine.Engine
	queue   *ioqueue.Scheduler
	locks   *lockmgr.Manager
	store   *metadata.Store
	metrics *metrics.Metrics

	dw *defrag.Worker
	tw *trim.Worker
	rw *reclaim.Engine
	sd *scrub.Daemon

	stopped chan struct{}
}

// Open attaches every configured Disk, builds the shared infrastructure and
// the storage engine, wires the background workers to it, and returns a
// Pool ready for WriteExtent/ReadExtent/DeleteExtent traffic. Background
// workers are not started until Run.
func Open(cfg Config) (*Pool, error) {
	cfg.applyDefaults()

	m := metrics.New()
	queue := ioqueue.New()
	locks := lockmgr.New()

	if cfg.MetadataDir == "" {
		return nil, fmt.Errorf("pool: MetadataDir is required")
	}
	store, err := metadata.Open(cfg.MetadataDir, cfg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("pool: open metadata store: %v", err)
	}

	registry := engine.NewRegistry(queue, cfg.IOWorkersPerDevice, cfg.IOQueueDepth)

	for _, dc := range cfg.Disks {
		dev, err := device.Attach(dc.Path, device.Options{
			Tier:          dc.Tier,
			CapacityBytes: dc.CapacityBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("pool: attach disk %s: %v", dc.Path, err)
		}
		units := dev.CapacityBytes() / uint64(dev.BlockSize())
		alloc := allocator.New(uint(units), filepath.Join(dc.Path, ".allocator"), allocator.Options{})
		registry.Add(dev, alloc)
		log.WithField("device", dev.ID().String()).WithField("path", dc.Path).Info("pool: disk attached")
	}

	eng := engine.New(cfg.Engine, registry, queue, locks, store, m)

	dw := defrag.New(eng, cfg.Defrag)
	tw := trim.New(registry, cfg.Trim)
	rw := reclaim.New(eng, dw, tw, cfg.Reclaim)
	sd := scrub.New(eng, cfg.Scrub)

	eng.SetTrimQueue(tw)

	return &Pool{
		cfg:     cfg,
		eng:     eng,
		queue:   queue,
		locks:   locks,
		store:   store,
		metrics: m,
		dw:      dw,
		tw:      tw,
		rw:      rw,
		sd:      sd,
		stopped: make(chan struct{}),
	}, nil
}

// Run starts every background worker (defrag, TRIM, reclaim, scrub) in its
// own goroutine. It returns immediately; call Close to stop them.
func (p *Pool) Run() {
	go p.dw.Run()
	go p.tw.Run(p.metrics)
	go p.rw.Run()
	go p.sd.Run()
}

// Close stops every background worker and shuts down the I/O scheduler's
// per-device worker pools. It does not close the metadata store's open
// file descriptors beyond what GC already releases, since internal/metadata
// keeps no long-lived handle per spec.md §4.4's node-file-per-commit design.
func (p *Pool) Close() {
	p.dw.Stop()
	p.tw.Stop()
	p.rw.Stop()
	p.sd.Stop()
	p.queue.ShutdownAll()
}

// WriteExtent is spec.md §6's write_extent(payload, policy) -> ExtentRecord.
func (p *Pool) WriteExtent(payload []byte, policy codec.Policy, tier device.Tier) (*engine.Record, error) {
	return p.eng.WriteExtent(payload, policy, tier)
}

// ReadExtent is spec.md §6's read_extent(uuid) -> bytes.
func (p *Pool) ReadExtent(id uuid.UUID) ([]byte, error) {
	return p.eng.ReadExtent(id)
}

// DeleteExtent is spec.md §6's delete_extent(uuid) -> ().
func (p *Pool) DeleteExtent(id uuid.UUID) error {
	return p.eng.DeleteExtent(id)
}

// RebuildExtent is spec.md §4.8's rebuild_extent(uuid), exposed for manual
// administrative invocation in addition to the automatic triggers from
// ReadExtent and the scrub daemon.
func (p *Pool) RebuildExtent(id uuid.UUID) error {
	return p.eng.RebuildExtent(id)
}

// ListAllExtents is spec.md §6's list_all_extents() -> iterator<ExtentRecord>,
// returned here as a snapshot map rather than an iterator, matching Go
// idiom for a bounded in-memory catalog.
func (p *Pool) ListAllExtents() (map[uuid.UUID]*engine.Record, error) {
	return p.eng.ListAllExtents()
}

// GetDisks is spec.md §6's get_disks() -> [DeviceStatus].
func (p *Pool) GetDisks() []engine.DeviceStatus {
	return p.eng.GetDisks()
}

// Metrics is spec.md §6's metrics() -> &Metrics.
func (p *Pool) Metrics() *metrics.Metrics {
	return p.metrics
}

// TriggerReclamation requests an out-of-schedule reclamation pass, per
// spec.md §4.11's Manual trigger.
func (p *Pool) TriggerReclamation() {
	p.rw.TriggerManual()
}

// DrainDisk marks a Device as draining so placement stops choosing it for
// new fragments, per spec.md §4.1's active -> draining transition. Reads
// from the Device keep working. Existing fragments move off it when
// RebuildExtent runs for an extent that holds one: rebuild treats a
// fragment on a Device that no longer accepts placement as missing and
// re-creates it on an active Device. DrainDisk does not start those
// rebuilds itself.
func (p *Pool) DrainDisk(id uuid.UUID) error {
	dev, _, ok := p.eng.Registry().Get(id)
	if !ok {
		return fmt.Errorf("pool: unknown device %s", id.String())
	}
	return dev.Drain()
}
