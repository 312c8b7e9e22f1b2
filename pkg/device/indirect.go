package device

import (
	"context"
	"encoding/binary"

	"github.com/librescoot/dynamixel-service/pkg/registry"
)

const maxIndirect = registry.MaxIndirect

// blockEntry pins one item to its byte offset inside a block's data window.
type blockEntry struct {
	Item   registry.Item
	Offset int
}

// IndirectBlock describes a set of control-table items aliased into a
// contiguous run of indirect slots. The read block starts at slot 0; write
// blocks pack behind it in installation order.
type IndirectBlock struct {
	Name      string
	StartSlot int
	TotalSize int
	entries   []blockEntry
}

// Items returns the block's item list in slot order.
func (b *IndirectBlock) Items() []registry.Item {
	items := make([]registry.Item, len(b.entries))
	for i, e := range b.entries {
		items[i] = e.Item
	}
	return items
}

// Size returns the block's byte footprint in the data window.
func (b *IndirectBlock) Size() int { return b.TotalSize }

func resolveBlock(name string, startSlot int, itemNames []string) (*IndirectBlock, error) {
	block := &IndirectBlock{Name: name, StartSlot: startSlot}
	for _, itemName := range itemNames {
		item, ok := registry.Lookup(itemName)
		if !ok {
			return nil, &UnknownItemError{Name: itemName}
		}
		block.entries = append(block.entries, blockEntry{Item: item, Offset: block.TotalSize})
		block.TotalSize += item.Width
	}
	return block, nil
}

// occupiedSlots sums the footprint of every installed block. Callers hold d.mu.
func (d *Device) occupiedSlots() int {
	total := 0
	if d.readBlock != nil {
		total += d.readBlock.TotalSize
	}
	for _, b := range d.writeBlocks {
		total += b.TotalSize
	}
	return total
}

// installBlock writes the aliased addresses of every byte the block covers
// into the device's INDIRECT_ADDRESS window, as one WRITE.
func (d *Device) installBlock(ctx context.Context, block *IndirectBlock) error {
	data := make([]byte, 0, 2*block.TotalSize)
	for _, e := range block.entries {
		for i := 0; i < e.Item.Width; i++ {
			var addr [2]byte
			binary.LittleEndian.PutUint16(addr[:], e.Item.Address+uint16(i))
			data = append(data, addr[0], addr[1])
		}
	}
	return d.Write(ctx, registry.IndirectAddressSlot(block.StartSlot), data)
}

// clearSlots writes the unmapped marker over a run of address slots.
func (d *Device) clearSlots(ctx context.Context, startSlot, count int) error {
	data := make([]byte, 0, 2*count)
	for i := 0; i < count; i++ {
		var addr [2]byte
		binary.LittleEndian.PutUint16(addr[:], registry.IndirectUnmapped)
		data = append(data, addr[0], addr[1])
	}
	return d.Write(ctx, registry.IndirectAddressSlot(startSlot), data)
}

// SetupIndirectReadBlock aliases the named items into the device's indirect
// slots starting at slot 0, replacing any previous read block. The device
// rejects the slot writes while torque is enabled; that error is returned
// untouched. Validation failures leave the installed state alone.
func (d *Device) SetupIndirectReadBlock(ctx context.Context, itemNames []string) error {
	block, err := resolveBlock("", 0, itemNames)
	if err != nil {
		return err
	}

	d.mu.Lock()
	writes := 0
	for _, b := range d.writeBlocks {
		writes += b.TotalSize
	}
	previous := d.readBlock
	d.mu.Unlock()

	if block.TotalSize+writes > maxIndirect {
		return &ExceedsMaxError{Total: block.TotalSize + writes}
	}

	if previous != nil {
		if err := d.clearSlots(ctx, previous.StartSlot, previous.TotalSize); err != nil {
			return err
		}
		d.mu.Lock()
		d.readBlock = nil
		d.mu.Unlock()
	}

	if err := d.installBlock(ctx, block); err != nil {
		return err
	}

	d.mu.Lock()
	d.readBlock = block
	d.mu.Unlock()
	return nil
}

// SetupIndirectWriteBlock installs a named write block behind the read block
// and any write blocks already present.
func (d *Device) SetupIndirectWriteBlock(ctx context.Context, name string, itemNames []string) error {
	d.mu.Lock()
	if _, exists := d.writeBlocks[name]; exists {
		d.mu.Unlock()
		return &BlockExistsError{Name: name}
	}
	startSlot := d.occupiedSlots()
	d.mu.Unlock()

	block, err := resolveBlock(name, startSlot, itemNames)
	if err != nil {
		return err
	}
	if startSlot+block.TotalSize > maxIndirect {
		return &ExceedsMaxError{Total: startSlot + block.TotalSize}
	}

	if err := d.installBlock(ctx, block); err != nil {
		return err
	}

	d.mu.Lock()
	d.writeBlocks[name] = block
	d.writeOrder = append(d.writeOrder, name)
	d.mu.Unlock()
	return nil
}

// ClearIndirectReadBlock unmaps the read block's slots. Clearing when no
// block is installed succeeds and does nothing.
func (d *Device) ClearIndirectReadBlock(ctx context.Context) error {
	d.mu.Lock()
	block := d.readBlock
	d.mu.Unlock()
	if block == nil {
		return nil
	}
	if err := d.clearSlots(ctx, block.StartSlot, block.TotalSize); err != nil {
		return err
	}
	d.mu.Lock()
	d.readBlock = nil
	d.mu.Unlock()
	return nil
}

// ClearIndirectWriteBlock unmaps one named write block. Idempotent.
func (d *Device) ClearIndirectWriteBlock(ctx context.Context, name string) error {
	d.mu.Lock()
	block := d.writeBlocks[name]
	d.mu.Unlock()
	if block == nil {
		return nil
	}
	if err := d.clearSlots(ctx, block.StartSlot, block.TotalSize); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.writeBlocks, name)
	for i, n := range d.writeOrder {
		if n == name {
			d.writeOrder = append(d.writeOrder[:i], d.writeOrder[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	return nil
}

// ReadBlock returns the installed read block, if any.
func (d *Device) ReadBlock() *IndirectBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readBlock
}

// WriteBlock returns a named write block, if installed.
func (d *Device) WriteBlock(name string) *IndirectBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeBlocks[name]
}

// ReadIndirectBlock fetches the whole read block in one READ over the
// indirect data window and decodes it per item.
func (d *Device) ReadIndirectBlock(ctx context.Context) (map[string]uint32, error) {
	d.mu.Lock()
	block := d.readBlock
	d.mu.Unlock()
	if block == nil {
		return nil, &BlockNotFoundError{}
	}

	data, err := d.Read(ctx, registry.IndirectDataSlot(block.StartSlot), uint16(block.TotalSize))
	if err != nil {
		return nil, err
	}
	return block.decode(data), nil
}

func (b *IndirectBlock) decode(data []byte) map[string]uint32 {
	values := make(map[string]uint32, len(b.entries))
	for _, e := range b.entries {
		values[e.Item.Name] = decodeValue(e.Item.Width, data[e.Offset:])
	}
	return values
}

// encode lays the given values out at the block's item offsets. Every item
// must be covered exactly; strays and gaps are usage errors.
func (b *IndirectBlock) encode(values map[string]uint32) ([]byte, error) {
	covered := make(map[string]bool, len(b.entries))
	data := make([]byte, b.TotalSize)
	for _, e := range b.entries {
		value, ok := values[e.Item.Name]
		if !ok {
			return nil, &MissingValueError{Name: e.Item.Name}
		}
		covered[e.Item.Name] = true
		copy(data[e.Offset:], encodeValue(e.Item.Width, value))
	}
	for name := range values {
		if !covered[name] {
			return nil, &UnknownItemError{Name: name}
		}
	}
	return data, nil
}

// WriteIndirectBlock pushes values for every item of a named write block in
// one WRITE over its indirect data window.
func (d *Device) WriteIndirectBlock(ctx context.Context, name string, values map[string]uint32) error {
	d.mu.Lock()
	block := d.writeBlocks[name]
	d.mu.Unlock()
	if block == nil {
		return &BlockNotFoundError{Name: name}
	}

	data, err := block.encode(values)
	if err != nil {
		return err
	}
	return d.Write(ctx, registry.IndirectDataSlot(block.StartSlot), data)
}
