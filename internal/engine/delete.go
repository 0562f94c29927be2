package engine

import (
	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/ioqueue"
)

// DeleteExtent removes an extent's metadata record, enqueues its fragments
// to the TRIM engine, and frees the allocator units they occupied, per
// spec.md §4.8. The lock table entry itself is pruned lazily by the lock
// manager's Remove, safe to call while other extents are live.
func (e *Engine) DeleteExtent(id uuid.UUID) error {
	// Lock order per spec.md §5: metadata root pointer lock (1) before the
	// per-extent lock (2).
	txn := e.store.Begin()
	lock := e.locks.Write(id)
	e.metrics.LockAcquired()

	encoded, ok := txn.Get(id)
	if !ok {
		txn.Abort()
		lock.Release()
		return newErr(CodeNotFound, nil)
	}
	rec, err := decodeRecord(encoded)
	if err != nil {
		txn.Abort()
		lock.Release()
		return newErr(CodeCorruptMetadata, err)
	}

	if err := txn.Remove(id); err != nil {
		txn.Abort()
		lock.Release()
		return newErr(CodeCorruptMetadata, err)
	}
	if err := txn.Commit(recordChecksumSeed(rec)); err != nil {
		lock.Release()
		return newErr(CodeCorruptMetadata, err)
	}

	for _, loc := range rec.Fragments {
		loc := loc
		dev, _, ok := e.registry.Get(loc.Device)
		if !ok {
			continue
		}
		if e.trimQueue != nil {
			e.trimQueue.Enqueue(loc.Device, loc.UnitStart, loc.UnitCount)
		}
		req := &ioqueue.Request{
			ID:       newRequestID(),
			Device:   loc.Device,
			Priority: ioqueue.PriorityBackground,
			Op:       ioqueue.OpDelete,
			Execute: func() (int, error) {
				_ = dev.DeleteFragment(id, loc.Index)
				return 0, nil
			},
		}
		_ = e.queue.Submit(req)
		if err := e.registry.releaseFragment(loc); err != nil {
			log.WithError(err).WithField("device", loc.Device.String()).
				Warn("engine: failed to release fragment units on delete")
		}
	}

	lock.Release()
	e.locks.Remove(id)
	return nil
}
