package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/librescoot/dynamixel-service/pkg/engine"
	"github.com/librescoot/dynamixel-service/pkg/protocol"
	"github.com/librescoot/dynamixel-service/pkg/registry"
)

// GroupEntry is one device's share of a group read. Exactly one of Data and
// Err is meaningful; a missing response carries engine.ErrTimeout.
type GroupEntry struct {
	Data []byte
	Err  error
}

// SyncRead reads the same address window from many devices with a single
// SYNC_READ. Every requested id gets an entry; devices that stayed quiet
// past the window are marked with engine.ErrTimeout.
func SyncRead(ctx context.Context, eng *engine.Engine, ids []byte, address, length uint16, window time.Duration) (map[byte]*GroupEntry, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("sync read needs at least one id")
	}

	params := make([]byte, 4, 4+len(ids))
	binary.LittleEndian.PutUint16(params[0:2], address)
	binary.LittleEndian.PutUint16(params[2:4], length)
	params = append(params, ids...)

	group, err := eng.Collect(ctx, engine.Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstSyncRead,
		Params:      params,
		ExpectIDs:   ids,
		Window:      window,
	})
	if err != nil {
		return nil, err
	}

	results := make(map[byte]*GroupEntry, len(ids))
	for _, id := range ids {
		st, ok := group[id]
		if !ok {
			results[id] = &GroupEntry{Err: engine.ErrTimeout}
			continue
		}
		results[id] = statusToEntry(st, int(length))
	}
	return results, nil
}

// FastSyncRead is SyncRead over the FAST_SYNC_READ instruction: all devices
// chain their data into one status packet emitted by the first id.
func FastSyncRead(ctx context.Context, eng *engine.Engine, ids []byte, address, length uint16, window time.Duration) (map[byte]*GroupEntry, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("fast sync read needs at least one id")
	}

	params := make([]byte, 4, 4+len(ids))
	binary.LittleEndian.PutUint16(params[0:2], address)
	binary.LittleEndian.PutUint16(params[2:4], length)
	params = append(params, ids...)

	group, err := eng.Collect(ctx, engine.Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstFastSyncRead,
		Params:      params,
		ExpectIDs:   []byte{ids[0]}, // the combined packet carries the first id
		Window:      window,
	})
	if err != nil {
		return nil, err
	}

	results := make(map[byte]*GroupEntry, len(ids))
	for _, id := range ids {
		results[id] = &GroupEntry{Err: engine.ErrTimeout}
	}

	st, ok := group[ids[0]]
	if !ok {
		return results, nil
	}
	segments, err := protocol.DecodeFastSyncRead(st, int(length))
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		entry := &GroupEntry{}
		if devErr := protocol.NewDeviceError(seg.ID, seg.Error); devErr != nil {
			entry.Err = devErr
		} else {
			entry.Data = seg.Data
		}
		results[seg.ID] = entry
	}
	return results, nil
}

func statusToEntry(st *protocol.StatusPacket, length int) *GroupEntry {
	if devErr := st.DeviceError(); devErr != nil {
		return &GroupEntry{Err: devErr}
	}
	if len(st.Params) != length {
		return &GroupEntry{Err: fmt.Errorf("expected %d data bytes, got %d", length, len(st.Params))}
	}
	return &GroupEntry{Data: st.Params}
}

// SyncWrite pushes per-device data at one shared address window with a
// single broadcast SYNC_WRITE. No responses are expected. Every data slice
// must be exactly length bytes.
func SyncWrite(ctx context.Context, eng *engine.Engine, address uint16, length int, data map[byte][]byte) error {
	if len(data) == 0 {
		return fmt.Errorf("sync write needs at least one device")
	}

	ids := make([]byte, 0, len(data))
	for id, d := range data {
		if len(d) != length {
			return &LengthMismatchError{ID: id}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	params := make([]byte, 4, 4+len(data)*(1+length))
	binary.LittleEndian.PutUint16(params[0:2], address)
	binary.LittleEndian.PutUint16(params[2:4], uint16(length))
	for _, id := range ids {
		params = append(params, id)
		params = append(params, data[id]...)
	}

	return eng.Submit(ctx, engine.Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstSyncWrite,
		Params:      params,
	})
}

// BulkReadRequest is one device's slice of a BULK_READ.
type BulkReadRequest struct {
	ID      byte
	Address uint16
	Length  uint16
}

// BulkRead reads a different window from each device in one instruction.
func BulkRead(ctx context.Context, eng *engine.Engine, reqs []BulkReadRequest, window time.Duration) (map[byte]*GroupEntry, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("bulk read needs at least one request")
	}

	params := make([]byte, 0, 5*len(reqs))
	ids := make([]byte, 0, len(reqs))
	lengths := make(map[byte]int, len(reqs))
	for _, r := range reqs {
		var entry [5]byte
		entry[0] = r.ID
		binary.LittleEndian.PutUint16(entry[1:3], r.Address)
		binary.LittleEndian.PutUint16(entry[3:5], r.Length)
		params = append(params, entry[:]...)
		ids = append(ids, r.ID)
		lengths[r.ID] = int(r.Length)
	}

	group, err := eng.Collect(ctx, engine.Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstBulkRead,
		Params:      params,
		ExpectIDs:   ids,
		Window:      window,
	})
	if err != nil {
		return nil, err
	}

	results := make(map[byte]*GroupEntry, len(reqs))
	for _, id := range ids {
		st, ok := group[id]
		if !ok {
			results[id] = &GroupEntry{Err: engine.ErrTimeout}
			continue
		}
		results[id] = statusToEntry(st, lengths[id])
	}
	return results, nil
}

// BulkWriteEntry is one device's slice of a BULK_WRITE.
type BulkWriteEntry struct {
	ID      byte
	Address uint16
	Data    []byte
}

// BulkWrite writes a different window on each device in one instruction.
func BulkWrite(ctx context.Context, eng *engine.Engine, entries []BulkWriteEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("bulk write needs at least one entry")
	}

	params := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		var head [5]byte
		head[0] = e.ID
		binary.LittleEndian.PutUint16(head[1:3], e.Address)
		binary.LittleEndian.PutUint16(head[3:5], uint16(len(e.Data)))
		params = append(params, head[:]...)
		params = append(params, e.Data...)
	}

	return eng.Submit(ctx, engine.Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstBulkWrite,
		Params:      params,
	})
}

// SyncReadBlocks group-reads the shared indirect read block of a device set
// in one SYNC_READ over the indirect data window. All devices must carry an
// identical read block layout.
func SyncReadBlocks(ctx context.Context, devices []*Device, window time.Duration) (map[byte]map[string]uint32, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("sync read needs at least one device")
	}

	ref := devices[0].ReadBlock()
	if ref == nil {
		return nil, &BlockNotFoundError{}
	}
	ids := make([]byte, 0, len(devices))
	for _, d := range devices {
		block := d.ReadBlock()
		if block == nil {
			return nil, &BlockNotFoundError{}
		}
		if !sameLayout(ref, block) {
			return nil, fmt.Errorf("device %d carries a different read block layout", d.ID)
		}
		ids = append(ids, d.ID)
	}

	eng := devices[0].eng
	group, err := SyncRead(ctx, eng, ids, registry.IndirectDataSlot(ref.StartSlot), uint16(ref.TotalSize), window)
	if err != nil {
		return nil, err
	}

	values := make(map[byte]map[string]uint32, len(devices))
	for id, entry := range group {
		if entry.Err != nil {
			continue
		}
		values[id] = ref.decode(entry.Data)
	}
	return values, nil
}

// SyncWriteBlocks group-writes a named indirect write block across devices.
// Each device gets its own values; all devices must carry the same layout
// for the named block.
func SyncWriteBlocks(ctx context.Context, devices []*Device, name string, values map[byte]map[string]uint32) error {
	if len(devices) == 0 {
		return fmt.Errorf("sync write needs at least one device")
	}

	ref := devices[0].WriteBlock(name)
	if ref == nil {
		return &BlockNotFoundError{Name: name}
	}

	data := make(map[byte][]byte, len(devices))
	for _, d := range devices {
		block := d.WriteBlock(name)
		if block == nil {
			return &BlockNotFoundError{Name: name}
		}
		if !sameLayout(ref, block) {
			return fmt.Errorf("device %d carries a different layout for block %q", d.ID, name)
		}
		deviceValues, ok := values[d.ID]
		if !ok {
			return &MissingValueError{Name: fmt.Sprintf("device %d", d.ID)}
		}
		encoded, err := block.encode(deviceValues)
		if err != nil {
			return err
		}
		data[d.ID] = encoded
	}

	eng := devices[0].eng
	return SyncWrite(ctx, eng, registry.IndirectDataSlot(ref.StartSlot), ref.TotalSize, data)
}

func sameLayout(a, b *IndirectBlock) bool {
	if a.StartSlot != b.StartSlot || a.TotalSize != b.TotalSize || len(a.entries) != len(b.entries) {
		return false
	}
	for i := range a.entries {
		if a.entries[i].Item.Name != b.entries[i].Item.Name {
			return false
		}
	}
	return true
}
