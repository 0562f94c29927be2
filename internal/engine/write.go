package engine

import (
	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/ioqueue"
)

// WriteExtent encodes payload per policy, places its fragments across
// Devices, writes them through the I/O scheduler, and commits the
// resulting Record in a metadata transaction, per spec.md §4.8.
func (e *Engine) WriteExtent(payload []byte, policy codec.Policy, tier device.Tier) (*Record, error) {
	if policy.FragmentCount() <= 0 {
		return nil, newErr(CodeInvalidArgument, errInvalidPolicy(policy))
	}

	checksum := payloadChecksum(payload)

	fragments, err := codec.Encode(payload, policy)
	if err != nil {
		return nil, newErr(CodeInvalidArgument, err)
	}

	id := uuid.NewV4()

	// Lock order per spec.md §5: metadata root pointer lock (1) before the
	// per-extent lock (2). The transaction stays open for the whole write
	// so its Commit can fold in the fragment locations chosen below.
	txn := e.store.Begin()
	defer txn.Abort()
	lock := e.locks.Write(id)
	defer lock.Release()
	e.metrics.LockAcquired()

	candidates := e.registry.Candidates()
	deviceIDs, err := placementChoose(candidates, policy.FragmentCount(), fragmentByteSize(fragments), tier)
	if err != nil {
		return nil, newErr(CodeInsufficientDevices, err)
	}

	locations := make([]FragmentLocation, len(fragments))
	checksums := make([][32]byte, len(fragments))
	written := 0

	rollback := func() {
		for i := 0; i < written; i++ {
			loc := locations[i]
			if dev, _, ok := e.registry.Get(loc.Device); ok {
				_ = dev.DeleteFragment(id, loc.Index)
			}
			_ = e.registry.releaseFragment(loc)
		}
	}

	for i, frag := range fragments {
		loc, err := e.registry.allocateFragment(deviceIDs[i], uint64(len(frag)))
		if err != nil {
			rollback()
			return nil, newErr(CodeInsufficientDevices, err)
		}
		loc.Index = i
		locations[i] = loc
		checksums[i] = fragmentChecksum(frag)

		dev, _, _ := e.registry.Get(loc.Device)
		result := make(chan error, 1)
		req := &ioqueue.Request{
			ID:       newRequestID(),
			Device:   loc.Device,
			Priority: ioqueue.PriorityWrite,
			Op:       ioqueue.OpWrite,
			Execute: func() (int, error) {
				if err := dev.WriteFragment(id, i, frag); err != nil {
					return 0, err
				}
				e.metrics.AddDiskWrite(uint64(len(frag)))
				return len(frag), nil
			},
			OnComplete: func(err error) { result <- err },
		}
		if err := e.queue.Submit(req); err != nil {
			rollback()
			if err == ioqueue.ErrBackpressureFull {
				return nil, newErr(CodeBackpressureFull, err)
			}
			return nil, newErr(CodeIOFailed, err)
		}
		if err := <-result; err != nil {
			rollback()
			return nil, ioFailed(loc.Device, err)
		}
		written++
	}

	rec := &Record{
		ID:                id,
		LogicalSize:       uint64(len(payload)),
		Policy:            policy,
		Checksum:          checksum,
		Fragments:         locations,
		FragmentChecksums: checksums,
		Generation:        0,
		Tier:              tier,
		CreatedAt:         now(),
		ModifiedAt:         now(),
	}

	encoded, err := encodeRecord(rec)
	if err != nil {
		rollback()
		return nil, newErr(CodeInvalidArgument, err)
	}
	if err := txn.Insert(id, encoded); err != nil {
		rollback()
		return nil, newErr(CodeCorruptMetadata, err)
	}
	if err := txn.Commit(recordChecksumSeed(rec)); err != nil {
		rollback()
		return nil, newErr(CodeCorruptMetadata, err)
	}

	e.metrics.ExtentTransition("", StateHealthy.String())
	return rec, nil
}

func fragmentByteSize(fragments [][]byte) uint64 {
	if len(fragments) == 0 {
		return 0
	}
	return uint64(len(fragments[0]))
}
