package engine

import (
	"errors"
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/allocator"
	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/ioqueue"
	"github.com/diskfs/blockpool/internal/placement"
)

// deviceEntry bundles a Device with the Allocator that owns its bitmap.
type deviceEntry struct {
	dev   *device.Device
	alloc *allocator.Allocator
}

// Registry is the pool's set of attached Devices plus their Allocators. It
// is the engine's view of "the Devices"; the I/O scheduler has its own,
// independent per-device queues registered at the same time a Device is
// added here.
type Registry struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*deviceEntry
	queue   *ioqueue.Scheduler

	workerCount  int
	maxQueueSize int
}

// NewRegistry builds an empty Registry bound to a shared I/O scheduler.
func NewRegistry(queue *ioqueue.Scheduler, workerCount, maxQueueSize int) *Registry {
	return &Registry{
		devices:      make(map[uuid.UUID]*deviceEntry),
		queue:        queue,
		workerCount:  workerCount,
		maxQueueSize: maxQueueSize,
	}
}

// Add attaches a Device (and its Allocator) to the pool and registers it
// with the I/O scheduler.
func (r *Registry) Add(dev *device.Device, alloc *allocator.Allocator) {
	r.mu.Lock()
	r.devices[dev.ID()] = &deviceEntry{dev: dev, alloc: alloc}
	r.mu.Unlock()
	r.queue.RegisterDevice(dev.ID(), r.workerCount, r.maxQueueSize)
}

// Get returns the Device for a UUID, if attached.
func (r *Registry) Get(id uuid.UUID) (*device.Device, *allocator.Allocator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, nil, false
	}
	return e.dev, e.alloc, true
}

// All returns every attached Device, in no particular order.
func (r *Registry) All() []*device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.dev)
	}
	return out
}

// Candidates builds the placement.Candidate list the placement engine
// operates on, from the current state of every attached Device.
func (r *Registry) Candidates() []placement.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]placement.Candidate, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, placement.Candidate{
			ID:            e.dev.ID(),
			Tier:          e.dev.Tier(),
			State:         e.dev.State(),
			CapacityBytes: e.dev.CapacityBytes(),
			UsedBytes:     e.dev.UsedBytes(),
		})
	}
	return out
}

// unitsFor converts a byte length to the number of allocator units it
// requires on a given device, rounding up.
func unitsFor(dev *device.Device, length uint64) uint {
	bs := uint64(dev.BlockSize())
	if bs == 0 {
		bs = device.DefaultBlockSize
	}
	return uint((length + bs - 1) / bs)
}

// allocateFragment reserves space for one fragment on its target device.
func (r *Registry) allocateFragment(deviceID uuid.UUID, length uint64) (FragmentLocation, error) {
	dev, alloc, ok := r.Get(deviceID)
	if !ok {
		return FragmentLocation{}, fmt.Errorf("engine: device %s not attached", deviceID)
	}
	units := unitsFor(dev, length)
	start, err := alloc.AllocateContiguous(units)
	if err != nil {
		return FragmentLocation{}, fmt.Errorf("engine: allocate on device %s: %v", deviceID, err)
	}
	dev.AddUsed(int64(units) * int64(dev.BlockSize()))
	return FragmentLocation{Device: deviceID, UnitStart: start, UnitCount: units, Length: length}, nil
}

// releaseFragment frees the units backing a fragment location. A double
// free reported by the Allocator is spec.md §7's fatal condition: it means
// the engine's own bookkeeping of which units a fragment occupies has
// diverged from the Allocator's bitmap, and every caller up the stack
// (write/rebuild rollback, delete) treats it as non-recoverable, so it is
// escalated here rather than threaded back through each of them.
func (r *Registry) releaseFragment(loc FragmentLocation) error {
	dev, alloc, ok := r.Get(loc.Device)
	if !ok {
		return fmt.Errorf("engine: device %s not attached", loc.Device)
	}
	if err := alloc.FreeContiguous(loc.UnitStart, loc.UnitCount); err != nil {
		var dfErr *allocator.ErrDoubleFree
		if errors.As(err, &dfErr) {
			log.WithError(err).WithField("device", loc.Device.String()).
				Fatal("engine: double free detected, aborting")
		}
		return err
	}
	dev.AddUsed(-int64(loc.UnitCount) * int64(dev.BlockSize()))
	return nil
}
