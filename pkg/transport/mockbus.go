package transport

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/librescoot/dynamixel-service/pkg/protocol"
)

// Servo simulates one Protocol 2.0 actuator behind a MockBus. Its control
// table follows the X-series layout closely enough for the library's own
// registry: model number at 0, firmware at 6, torque enable at 64, indirect
// address slots at 168, indirect data at 224.
type Servo struct {
	ID       byte
	Model    uint16
	Firmware byte

	// Silent makes the servo ignore everything, as if unplugged.
	Silent bool
	// ForceError is returned as the status error byte of every response.
	ForceError byte

	mu      sync.Mutex
	table   [512]byte
	pending []pendingWrite
}

type pendingWrite struct {
	addr uint16
	data []byte
}

func NewServo(id byte, model uint16) *Servo {
	s := &Servo{ID: id, Model: model, Firmware: 0x34}
	binary.LittleEndian.PutUint16(s.table[0:2], model)
	s.table[6] = s.Firmware
	s.table[7] = id
	s.unmapIndirect()
	return s
}

// unmapIndirect seeds every indirect address slot with the unmapped marker.
func (s *Servo) unmapIndirect() {
	for i := 0; i < 20; i++ {
		binary.LittleEndian.PutUint16(s.table[168+2*i:170+2*i], 0xFFFF)
	}
}

// Poke writes table bytes directly, bypassing the torque lock. Test setup
// uses it to plant telemetry values.
func (s *Servo) Poke(addr uint16, data []byte) {
	s.mu.Lock()
	copy(s.table[addr:], data)
	s.mu.Unlock()
}

// Peek reads table bytes directly.
func (s *Servo) Peek(addr uint16, length int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, length)
	copy(out, s.table[addr:int(addr)+length])
	return out
}

func (s *Servo) read(addr, length uint16) ([]byte, byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+int(length) > len(s.table) {
		return nil, protocol.ErrCodeDataRange
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = s.table[s.resolveAddr(addr+uint16(i))]
	}
	return out, 0
}

// resolveAddr follows indirect data slots to their aliased address. An
// unmapped slot reads as itself (zero). Callers hold s.mu.
func (s *Servo) resolveAddr(addr uint16) uint16 {
	if addr < 224 || addr >= 244 {
		return addr
	}
	slot := addr - 224
	aliased := binary.LittleEndian.Uint16(s.table[168+2*slot : 170+2*slot])
	if aliased == 0xFFFF || int(aliased) >= len(s.table) {
		return addr
	}
	return aliased
}

// torqueLocked reports whether addr is rejected while torque is enabled:
// the EEPROM area and the indirect address slots.
func (s *Servo) torqueLocked(addr uint16) bool {
	if s.table[64] == 0 {
		return false
	}
	return addr < 64 || (addr >= 168 && addr < 224)
}

func (s *Servo) write(addr uint16, data []byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+len(data) > len(s.table) {
		return protocol.ErrCodeDataRange
	}
	for i, b := range data {
		target := s.resolveAddr(addr + uint16(i))
		if s.torqueLocked(target) {
			return protocol.ErrCodeAccess
		}
		s.table[target] = b
	}
	return 0
}

// handle executes one instruction addressed at this servo and returns the
// status params, the error byte and whether a status packet is emitted at
// all (broadcast writes stay silent, per the protocol's response policy).
func (s *Servo) handle(inst byte, params []byte, broadcast bool) (resp []byte, errByte byte, respond bool) {
	if s.ForceError != 0 {
		return nil, s.ForceError, !broadcast || inst == protocol.InstPing
	}

	switch inst {
	case protocol.InstPing:
		resp = []byte{byte(s.Model), byte(s.Model >> 8), s.Firmware}
		return resp, 0, true

	case protocol.InstRead:
		if len(params) < 4 {
			return nil, protocol.ErrCodeDataLength, !broadcast
		}
		addr := binary.LittleEndian.Uint16(params[0:2])
		length := binary.LittleEndian.Uint16(params[2:4])
		resp, errByte = s.read(addr, length)
		return resp, errByte, !broadcast

	case protocol.InstWrite:
		if len(params) < 2 {
			return nil, protocol.ErrCodeDataLength, !broadcast
		}
		addr := binary.LittleEndian.Uint16(params[0:2])
		errByte = s.write(addr, params[2:])
		return nil, errByte, !broadcast

	case protocol.InstRegWrite:
		if len(params) < 2 {
			return nil, protocol.ErrCodeDataLength, !broadcast
		}
		addr := binary.LittleEndian.Uint16(params[0:2])
		data := make([]byte, len(params)-2)
		copy(data, params[2:])
		s.mu.Lock()
		s.pending = append(s.pending, pendingWrite{addr: addr, data: data})
		s.table[69] = 1 // REGISTERED_INSTRUCTION
		s.mu.Unlock()
		return nil, 0, !broadcast

	case protocol.InstAction:
		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		s.table[69] = 0
		s.mu.Unlock()
		for _, w := range pending {
			if e := s.write(w.addr, w.data); e != 0 {
				errByte = e
			}
		}
		return nil, errByte, !broadcast

	case protocol.InstFactoryReset:
		mode := byte(protocol.ResetAll)
		if len(params) > 0 {
			mode = params[0]
		}
		s.factoryReset(mode)
		return nil, 0, !broadcast

	case protocol.InstReboot:
		s.mu.Lock()
		s.table[64] = 0 // torque drops on reboot
		s.table[65] = 0
		s.pending = nil
		s.mu.Unlock()
		return nil, 0, !broadcast

	case protocol.InstClear:
		if len(params) != len(protocol.ClearPositionParams) {
			return nil, protocol.ErrCodeResultFail, !broadcast
		}
		for i, b := range protocol.ClearPositionParams {
			if params[i] != b {
				return nil, protocol.ErrCodeResultFail, !broadcast
			}
		}
		s.mu.Lock()
		for i := 132; i < 136; i++ {
			s.table[i] = 0
		}
		s.mu.Unlock()
		return nil, 0, !broadcast

	default:
		return nil, protocol.ErrCodeInstruction, !broadcast
	}
}

func (s *Servo) factoryReset(mode byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.table[7]
	baud := s.table[8]
	s.table = [512]byte{}
	binary.LittleEndian.PutUint16(s.table[0:2], s.Model)
	s.table[6] = s.Firmware
	s.unmapIndirect()
	switch mode {
	case protocol.ResetAllButID:
		s.table[7] = id
	case protocol.ResetAllButIDBaud:
		s.table[7] = id
		s.table[8] = baud
	default:
		s.table[7] = 1
	}
}

// MockBus is an in-memory Transport with a set of simulated servos attached.
// Responses are delivered asynchronously, in bus order, through the regular
// handler path.
type MockBus struct {
	mu        sync.Mutex
	servos    map[byte]*Servo
	handler   Handler
	connected bool
	deliver   chan []byte
	stop      chan struct{}
	wg        sync.WaitGroup

	// Delay is added before each response frame, to exercise timeouts.
	Delay time.Duration
}

func NewMockBus(servos ...*Servo) *MockBus {
	b := &MockBus{servos: make(map[byte]*Servo)}
	for _, s := range servos {
		b.servos[s.ID] = s
	}
	return b
}

func (b *MockBus) AddServo(s *Servo) {
	b.mu.Lock()
	b.servos[s.ID] = s
	b.mu.Unlock()
}

func (b *MockBus) Servo(id byte) *Servo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servos[id]
}

func (b *MockBus) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *MockBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return ErrAlreadyConnected
	}
	b.connected = true
	b.deliver = make(chan []byte, 64)
	b.stop = make(chan struct{})
	b.wg.Add(1)
	go b.deliveryLoop(b.deliver, b.stop)
	return nil
}

func (b *MockBus) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	close(b.stop)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *MockBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *MockBus) Flush() {}

func (b *MockBus) deliveryLoop(deliver chan []byte, stop chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		case frame := <-deliver:
			if b.Delay > 0 {
				select {
				case <-stop:
					return
				case <-time.After(b.Delay):
				}
			}
			b.mu.Lock()
			h := b.handler
			b.mu.Unlock()
			if h != nil {
				h(frame)
			}
		}
	}
}

func (b *MockBus) Send(packet []byte) error {
	b.mu.Lock()
	connected := b.connected
	deliver := b.deliver
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	id, inst, params, err := protocol.ParseInstruction(packet)
	if err != nil {
		return nil // a real bus swallows garbage too
	}

	for _, frame := range b.respond(id, inst, params) {
		select {
		case deliver <- frame:
		default:
		}
	}
	return nil
}

func (b *MockBus) respond(id, inst byte, params []byte) [][]byte {
	if id != protocol.BroadcastID {
		s := b.Servo(id)
		if s == nil || s.Silent {
			return nil
		}
		resp, errByte, respond := s.handle(inst, params, false)
		if !respond {
			return nil
		}
		return [][]byte{mustStatus(s.ID, errByte, resp)}
	}

	switch inst {
	case protocol.InstSyncRead:
		return b.syncRead(params, false)
	case protocol.InstFastSyncRead:
		return b.syncRead(params, true)
	case protocol.InstSyncWrite:
		b.syncWrite(params)
		return nil
	case protocol.InstBulkRead:
		return b.bulkRead(params)
	case protocol.InstBulkWrite:
		b.bulkWrite(params)
		return nil
	default:
		// Broadcast: everyone executes, only PING answers.
		var frames [][]byte
		for _, s := range b.sortedServos() {
			if s.Silent {
				continue
			}
			resp, errByte, respond := s.handle(inst, params, true)
			if respond {
				frames = append(frames, mustStatus(s.ID, errByte, resp))
			}
		}
		return frames
	}
}

func (b *MockBus) sortedServos() []*Servo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Servo, 0, len(b.servos))
	for _, s := range b.servos {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *MockBus) syncRead(params []byte, fast bool) [][]byte {
	if len(params) < 5 {
		return nil
	}
	addr := binary.LittleEndian.Uint16(params[0:2])
	length := binary.LittleEndian.Uint16(params[2:4])
	ids := params[4:]

	if !fast {
		var frames [][]byte
		for _, id := range ids {
			s := b.Servo(id)
			if s == nil || s.Silent {
				continue
			}
			data, errByte := s.read(addr, length)
			frames = append(frames, mustStatus(s.ID, errByte, data))
		}
		return frames
	}

	// Fast variant: one combined status packet from the first listed
	// device, with per-device segments chained behind it.
	var first *Servo
	var segParams []byte
	for i, id := range ids {
		s := b.Servo(id)
		if s == nil || s.Silent {
			if i == 0 {
				return nil
			}
			continue
		}
		data, errByte := s.read(addr, length)
		if first == nil {
			first = s
			segParams = append(segParams, s.ID)
			segParams = append(segParams, data...)
			continue
		}
		segParams = append(segParams, 0x00, 0x00) // segment crc placeholder
		segParams = append(segParams, errByte, s.ID)
		segParams = append(segParams, data...)
	}
	if first == nil {
		return nil
	}
	return [][]byte{mustStatus(first.ID, 0, segParams)}
}

func (b *MockBus) syncWrite(params []byte) {
	if len(params) < 4 {
		return
	}
	addr := binary.LittleEndian.Uint16(params[0:2])
	length := int(binary.LittleEndian.Uint16(params[2:4]))
	for pos := 4; pos+1+length <= len(params); pos += 1 + length {
		if s := b.Servo(params[pos]); s != nil && !s.Silent {
			s.write(addr, params[pos+1:pos+1+length])
		}
	}
}

func (b *MockBus) bulkRead(params []byte) [][]byte {
	var frames [][]byte
	for pos := 0; pos+5 <= len(params); pos += 5 {
		id := params[pos]
		addr := binary.LittleEndian.Uint16(params[pos+1 : pos+3])
		length := binary.LittleEndian.Uint16(params[pos+3 : pos+5])
		s := b.Servo(id)
		if s == nil || s.Silent {
			continue
		}
		data, errByte := s.read(addr, length)
		frames = append(frames, mustStatus(s.ID, errByte, data))
	}
	return frames
}

func (b *MockBus) bulkWrite(params []byte) {
	pos := 0
	for pos+5 <= len(params) {
		id := params[pos]
		addr := binary.LittleEndian.Uint16(params[pos+1 : pos+3])
		length := int(binary.LittleEndian.Uint16(params[pos+3 : pos+5]))
		if pos+5+length > len(params) {
			return
		}
		if s := b.Servo(id); s != nil && !s.Silent {
			s.write(addr, params[pos+5:pos+5+length])
		}
		pos += 5 + length
	}
}

func mustStatus(id, errByte byte, params []byte) []byte {
	frame, err := protocol.BuildStatus(id, errByte, params)
	if err != nil {
		panic(err)
	}
	return frame
}
