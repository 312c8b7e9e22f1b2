// Package device is the typed façade over a single DYNAMIXEL actuator: item
// accessors driven by the control-table registry, ping and lifecycle
// instructions, indirect addressing blocks and synchronous group operations.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/librescoot/dynamixel-service/pkg/engine"
	"github.com/librescoot/dynamixel-service/pkg/protocol"
	"github.com/librescoot/dynamixel-service/pkg/registry"
)

// PingInfo is the decoded status of a PING. A non-zero Error still carries
// the device's identity; callers decide whether to treat it as a failure.
type PingInfo struct {
	ID              byte
	ModelNumber     uint16
	FirmwareVersion byte
	Error           byte
}

// ModelName resolves the model number against the built-in model table.
func (p *PingInfo) ModelName() string {
	return registry.ModelName(p.ModelNumber)
}

// Device is one actuator on the bus. All calls go through the shared
// transaction engine; the device holds no link state of its own beyond the
// cached identity and indirect block layout.
type Device struct {
	ID              byte
	ModelNumber     uint16
	ModelName       string
	FirmwareVersion byte

	eng *engine.Engine

	mu          sync.Mutex
	readBlock   *IndirectBlock
	writeBlocks map[string]*IndirectBlock
	writeOrder  []string
}

// New creates a handle without touching the bus. Identity fields stay zero
// until the first Ping.
func New(eng *engine.Engine, id byte) *Device {
	return &Device{
		ID:          id,
		eng:         eng,
		writeBlocks: make(map[string]*IndirectBlock),
	}
}

// NewFromPing creates a handle pre-filled from a discovery response.
func NewFromPing(eng *engine.Engine, info *PingInfo) *Device {
	d := New(eng, info.ID)
	d.ModelNumber = info.ModelNumber
	d.ModelName = info.ModelName()
	d.FirmwareVersion = info.FirmwareVersion
	return d
}

// Ping issues a PING to an arbitrary id. timeout 0 uses the engine default.
func Ping(ctx context.Context, eng *engine.Engine, id byte, timeout time.Duration) (*PingInfo, error) {
	st, err := eng.Transact(ctx, engine.Request{
		ID:          id,
		Instruction: protocol.InstPing,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, err
	}
	return parsePingStatus(st), nil
}

func parsePingStatus(st *protocol.StatusPacket) *PingInfo {
	info := &PingInfo{ID: st.ID, Error: st.Error}
	if len(st.Params) >= 3 {
		info.ModelNumber = binary.LittleEndian.Uint16(st.Params[0:2])
		info.FirmwareVersion = st.Params[2]
	}
	return info
}

// Ping refreshes the handle's identity from the device.
func (d *Device) Ping(ctx context.Context) (*PingInfo, error) {
	info, err := Ping(ctx, d.eng, d.ID, 0)
	if err != nil {
		return nil, err
	}
	d.ModelNumber = info.ModelNumber
	d.ModelName = info.ModelName()
	d.FirmwareVersion = info.FirmwareVersion
	return info, nil
}

// Read fetches length bytes starting at address.
func (d *Device) Read(ctx context.Context, address, length uint16) ([]byte, error) {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint16(params[0:2], address)
	binary.LittleEndian.PutUint16(params[2:4], length)

	st, err := d.eng.Transact(ctx, engine.Request{
		ID:          d.ID,
		Instruction: protocol.InstRead,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}
	if devErr := st.DeviceError(); devErr != nil {
		return nil, devErr
	}
	if len(st.Params) != int(length) {
		return nil, fmt.Errorf("read of %d bytes at %d returned %d bytes", length, address, len(st.Params))
	}
	return st.Params, nil
}

// Write stores data starting at address. A device-reported fault comes back
// as a *protocol.DeviceError.
func (d *Device) Write(ctx context.Context, address uint16, data []byte) error {
	params := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(params[0:2], address)
	copy(params[2:], data)

	st, err := d.eng.Transact(ctx, engine.Request{
		ID:          d.ID,
		Instruction: protocol.InstWrite,
		Params:      params,
	})
	if err != nil {
		return err
	}
	if devErr := st.DeviceError(); devErr != nil {
		return devErr
	}
	return nil
}

// RegWrite stages a write that a later ACTION applies.
func (d *Device) RegWrite(ctx context.Context, address uint16, data []byte) error {
	params := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(params[0:2], address)
	copy(params[2:], data)

	st, err := d.eng.Transact(ctx, engine.Request{
		ID:          d.ID,
		Instruction: protocol.InstRegWrite,
		Params:      params,
	})
	if err != nil {
		return err
	}
	if devErr := st.DeviceError(); devErr != nil {
		return devErr
	}
	return nil
}

// Action applies the writes staged by RegWrite.
func (d *Device) Action(ctx context.Context) error {
	return d.simple(ctx, protocol.InstAction, nil)
}

// Reboot restarts the device. Torque drops and RAM resets.
func (d *Device) Reboot(ctx context.Context) error {
	return d.simple(ctx, protocol.InstReboot, nil)
}

// FactoryReset restores EEPROM defaults per mode (ResetAll, ResetAllButID,
// ResetAllButIDBaud).
func (d *Device) FactoryReset(ctx context.Context, mode byte) error {
	return d.simple(ctx, protocol.InstFactoryReset, []byte{mode})
}

// ClearPosition clears the multi-turn revolution counter.
func (d *Device) ClearPosition(ctx context.Context) error {
	return d.simple(ctx, protocol.InstClear, protocol.ClearPositionParams)
}

func (d *Device) simple(ctx context.Context, inst byte, params []byte) error {
	st, err := d.eng.Transact(ctx, engine.Request{
		ID:          d.ID,
		Instruction: inst,
		Params:      params,
	})
	if err != nil {
		return err
	}
	if devErr := st.DeviceError(); devErr != nil {
		return devErr
	}
	return nil
}

// ReadItem reads a named control-table item and returns its raw value,
// little-endian decoded and zero-extended to 32 bits.
func (d *Device) ReadItem(ctx context.Context, name string) (uint32, error) {
	item, ok := registry.Lookup(name)
	if !ok {
		return 0, &UnknownItemError{Name: name}
	}
	data, err := d.Read(ctx, item.Address, uint16(item.Width))
	if err != nil {
		return 0, err
	}
	return decodeValue(item.Width, data), nil
}

// WriteItem writes a named control-table item.
func (d *Device) WriteItem(ctx context.Context, name string, value uint32) error {
	item, ok := registry.Lookup(name)
	if !ok {
		return &UnknownItemError{Name: name}
	}
	if item.Access != registry.RW {
		return &ReadOnlyItemError{Name: name}
	}
	return d.Write(ctx, item.Address, encodeValue(item.Width, value))
}

func decodeValue(width int, data []byte) uint32 {
	var v uint32
	for i := 0; i < width && i < len(data); i++ {
		v |= uint32(data[i]) << (8 * i)
	}
	return v
}

func encodeValue(width int, value uint32) []byte {
	data := make([]byte, width)
	for i := 0; i < width; i++ {
		data[i] = byte(value >> (8 * i))
	}
	return data
}

// Signed32 reinterprets a raw 32-bit wire value as two's complement. The
// sign convention of velocity and current fields is model specific; the
// wire value itself stays raw everywhere else in this package.
func Signed32(raw uint32) int32 {
	return int32(raw)
}

// Signed16 is Signed32 for two-byte items such as PRESENT_CURRENT.
func Signed16(raw uint32) int16 {
	return int16(uint16(raw))
}

// SetTorque enables or disables torque. Most EEPROM and all indirect
// address slots reject writes while torque is on.
func (d *Device) SetTorque(ctx context.Context, on bool) error {
	return d.WriteItem(ctx, "TORQUE_ENABLE", boolByte(on))
}

// SetLED switches the status LED.
func (d *Device) SetLED(ctx context.Context, on bool) error {
	return d.WriteItem(ctx, "LED", boolByte(on))
}

// SetGoalPosition commands the target position in raw ticks.
func (d *Device) SetGoalPosition(ctx context.Context, position uint32) error {
	return d.WriteItem(ctx, "GOAL_POSITION", position)
}

// PresentPosition reads the current position in raw ticks.
func (d *Device) PresentPosition(ctx context.Context) (uint32, error) {
	return d.ReadItem(ctx, "PRESENT_POSITION")
}

// PresentVelocity reads the raw wire velocity. Use Signed32 for the usual
// two's-complement interpretation.
func (d *Device) PresentVelocity(ctx context.Context) (uint32, error) {
	return d.ReadItem(ctx, "PRESENT_VELOCITY")
}

func boolByte(on bool) uint32 {
	if on {
		return 1
	}
	return 0
}
