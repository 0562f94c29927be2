package engine

import (
	uuid "github.com/satori/go.uuid"

	"github.com/diskfs/blockpool/internal/device"
)

// ListAllExtents returns every extent Record in the pool, as of a single
// consistent metadata snapshot, per spec.md §6's `list_all_extents() →
// iterator<ExtentRecord>`. Go callers get a map rather than a lazy
// iterator since the underlying snapshot is already fully materialized in
// memory by metadata.Store.ListAll.
func (e *Engine) ListAllExtents() (map[uuid.UUID]*Record, error) {
	raw := e.store.ListAll()
	out := make(map[uuid.UUID]*Record, len(raw))
	for id, b := range raw {
		rec, err := decodeRecord(b)
		if err != nil {
			return nil, newErr(CodeCorruptMetadata, err)
		}
		out[id] = rec
	}
	return out, nil
}

// DeviceStatus is the per-device summary spec.md §6's `get_disks()`
// returns.
type DeviceStatus struct {
	ID            uuid.UUID
	Tier          device.Tier
	State         device.State
	CapacityBytes uint64
	UsedBytes     uint64
	Utilization   float64
	RecentErrors  int
}

// GetDisks reports a status snapshot for every attached Device, per
// spec.md §6.
func (e *Engine) GetDisks() []DeviceStatus {
	devs := e.registry.All()
	out := make([]DeviceStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceStatus{
			ID:            d.ID(),
			Tier:          d.Tier(),
			State:         d.State(),
			CapacityBytes: d.CapacityBytes(),
			UsedBytes:     d.UsedBytes(),
			Utilization:   d.Utilization(),
			RecentErrors:  d.RecentErrorCount(),
		})
	}
	return out
}
