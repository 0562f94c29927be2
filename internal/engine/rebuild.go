package engine

import (
	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/codec"
	"github.com/diskfs/blockpool/internal/ioqueue"
	"github.com/diskfs/blockpool/internal/placement"
)

// RebuildExtent restores missing or corrupt fragments of an extent from
// its surviving fragments and writes the replacements to newly chosen
// Devices, per spec.md §4.8's rebuild_extent. It preserves the extent's
// UUID and payload checksum and bumps Generation.
func (e *Engine) RebuildExtent(id uuid.UUID) error {
	e.metrics.RebuildAttempted()

	// Lock order per spec.md §5: metadata root pointer lock (1) before the
	// per-extent lock (2). The transaction stays open for the whole rebuild
	// so its Commit can fold in the replacement fragment locations below.
	txn := e.store.Begin()
	defer txn.Abort()
	lock := e.locks.Write(id)
	defer lock.Release()
	e.metrics.LockAcquired()

	encoded, ok := txn.Get(id)
	if !ok {
		e.metrics.RebuildFailed()
		return newErr(CodeNotFound, nil)
	}
	rec, err := decodeRecord(encoded)
	if err != nil {
		e.metrics.RebuildFailed()
		return newErr(CodeCorruptMetadata, err)
	}

	shards, shardDevices, surviving := e.readShardsForRebuild(id, rec)

	var missing []int
	for i, s := range shards {
		if s == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		e.metrics.RebuildSucceeded()
		e.metrics.ExtentTransition(StateDegraded.String(), StateHealthy.String())
		return nil
	}

	replaced, err := e.rebuildMissingShards(rec, shards, shardDevices, missing)
	if err != nil {
		e.metrics.RebuildFailed()
		return newErr(CodeUnrecoverable, err)
	}

	survivingDevices := make(map[uuid.UUID]bool, len(surviving))
	for _, dev := range surviving {
		survivingDevices[dev] = true
	}
	candidates := e.registry.Candidates()
	fragSize := uint64(len(shards[missing[0]]))
	if len(replaced) > 0 {
		fragSize = uint64(len(replaced[0]))
	}
	newDevices, err := placement.ChooseForRebuild(candidates, survivingDevices, len(missing), fragSize, rec.Tier)
	if err != nil {
		e.metrics.RebuildFailed()
		return newErr(CodeInsufficientDevices, err)
	}

	newRec := rec.clone()
	newRec.Generation++
	newRec.ModifiedAt = now()

	rollback := func(upto int) {
		for i := 0; i < upto; i++ {
			loc := newRec.Fragments[missing[i]]
			if dev, _, ok := e.registry.Get(loc.Device); ok {
				_ = dev.DeleteFragment(id, loc.Index)
			}
			_ = e.registry.releaseFragment(loc)
		}
	}

	for i, idx := range missing {
		data := replaced[i]
		loc, err := e.registry.allocateFragment(newDevices[i], uint64(len(data)))
		if err != nil {
			rollback(i)
			e.metrics.RebuildFailed()
			return newErr(CodeInsufficientDevices, err)
		}
		loc.Index = idx

		oldLoc := rec.Fragments[idx]
		dev, _, _ := e.registry.Get(loc.Device)

		result := make(chan error, 1)
		req := &ioqueue.Request{
			ID:       newRequestID(),
			Device:   loc.Device,
			Priority: ioqueue.PriorityBackground,
			Op:       ioqueue.OpWrite,
			Execute: func() (int, error) {
				if err := dev.WriteFragment(id, idx, data); err != nil {
					return 0, err
				}
				e.metrics.AddDiskWrite(uint64(len(data)))
				return len(data), nil
			},
			OnComplete: func(err error) { result <- err },
		}
		if err := e.queue.Submit(req); err != nil {
			rollback(i)
			e.metrics.RebuildFailed()
			return newErr(CodeIOFailed, err)
		}
		if err := <-result; err != nil {
			rollback(i)
			e.metrics.RebuildFailed()
			return ioFailed(loc.Device, err)
		}

		newRec.Fragments[idx] = loc
		newRec.FragmentChecksums[idx] = fragmentChecksum(data)

		// The replacement reuses the (extent, index) file name, so the old
		// file is removed only when the replacement went to another Device.
		if oldLoc.Device != loc.Device {
			if oldDev, _, ok := e.registry.Get(oldLoc.Device); ok {
				_ = oldDev.DeleteFragment(id, oldLoc.Index)
			}
		}
		_ = e.registry.releaseFragment(oldLoc)
	}

	reencoded, err := encodeRecord(newRec)
	if err != nil {
		rollback(len(missing))
		e.metrics.RebuildFailed()
		return newErr(CodeInvalidArgument, err)
	}
	if err := txn.Insert(id, reencoded); err != nil {
		rollback(len(missing))
		e.metrics.RebuildFailed()
		return newErr(CodeCorruptMetadata, err)
	}
	if err := txn.Commit(recordChecksumSeed(newRec)); err != nil {
		rollback(len(missing))
		e.metrics.RebuildFailed()
		return newErr(CodeCorruptMetadata, err)
	}

	e.metrics.RebuildSucceeded()
	e.metrics.ExtentTransition(StateDegraded.String(), StateHealthy.String())
	return nil
}

// readShardsForRebuild reads every fragment of rec, returning nil entries
// for missing or checksum-failed ones and for fragments on a Device that no
// longer accepts placement (draining, failed or removed), so that those are
// re-created on an active Device; it also returns the Device that served each present
// shard (for replication's healthiest-source selection below), and the
// list of Devices holding a surviving (present, verified) fragment, for
// the diversity-preserving placement call.
func (e *Engine) readShardsForRebuild(id uuid.UUID, rec *Record) ([][]byte, []uuid.UUID, []uuid.UUID) {
	shards := make([][]byte, rec.FragmentCount())
	shardDevices := make([]uuid.UUID, rec.FragmentCount())
	var surviving []uuid.UUID

	for _, loc := range rec.Fragments {
		dev, _, ok := e.registry.Get(loc.Device)
		if !ok || !dev.AcceptsPlacement() {
			continue
		}
		data, err := dev.ReadFragment(id, loc.Index)
		if err != nil {
			continue
		}
		sum := fragmentChecksum(data)
		if loc.Index >= len(rec.FragmentChecksums) || sum != rec.FragmentChecksums[loc.Index] {
			continue
		}
		shards[loc.Index] = data
		shardDevices[loc.Index] = loc.Device
		surviving = append(surviving, loc.Device)
	}
	return shards, shardDevices, surviving
}

// healthiestReplica picks the surviving replica to read from: the one
// served by the Device with the fewest recent I/O errors, falling back to
// the first present copy on a tie. Resolves spec.md §9's open question in
// favor of the Device health signal instead of "first `Some` fragment",
// per SPEC_FULL.md §8.
func (e *Engine) healthiestReplica(shards [][]byte, shardDevices []uuid.UUID) []byte {
	best := -1
	bestErrors := -1
	for i, s := range shards {
		if s == nil {
			continue
		}
		errs := 0
		if dev, _, ok := e.registry.Get(shardDevices[i]); ok {
			errs = dev.RecentErrorCount()
		}
		if best == -1 || errs < bestErrors {
			best, bestErrors = i, errs
		}
	}
	if best == -1 {
		return nil
	}
	return shards[best]
}

// rebuildMissingShards recomputes only the shards at missing indices: for
// replication, a copy of the payload read from the healthiest surviving
// replica; for erasure coding, the specific data/parity shards via a
// partial Reed-Solomon re-encode that never touches the surviving shards,
// per spec.md §4.8 step 5.
func (e *Engine) rebuildMissingShards(rec *Record, shards [][]byte, shardDevices []uuid.UUID, missing []int) ([][]byte, error) {
	switch rec.Policy.Kind {
	case codec.KindReplicate:
		payload := e.healthiestReplica(shards, shardDevices)
		if payload == nil {
			return nil, codec.ErrUnrecoverable
		}
		out := make([][]byte, len(missing))
		for i := range missing {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			out[i] = cp
		}
		return out, nil

	default:
		work := make([][]byte, len(shards))
		copy(work, shards)
		if err := codec.ReconstructShards(work, rec.Policy); err != nil {
			return nil, err
		}
		out := make([][]byte, len(missing))
		for i, idx := range missing {
			out[i] = work[idx]
		}
		return out, nil
	}
}

// enqueueRebuild is the asynchronous rebuild trigger used by ReadExtent
// (spec.md §4.8 step 5) and the scrub daemon when they observe a
// missing/corrupt fragment. Errors are logged, not returned, since the
// caller (a background goroutine) has nothing to propagate them to.
func (e *Engine) enqueueRebuild(id uuid.UUID, missing []int) {
	if err := e.RebuildExtent(id); err != nil {
		log.WithError(err).WithField("extent", id.String()).Warn("engine: rebuild failed")
	}
}
