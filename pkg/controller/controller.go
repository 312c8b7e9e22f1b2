// Package controller owns a bus session: it picks and opens the transport,
// runs discovery sweeps, and hands out device façades.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/librescoot/dynamixel-service/pkg/device"
	"github.com/librescoot/dynamixel-service/pkg/engine"
	"github.com/librescoot/dynamixel-service/pkg/protocol"
	"github.com/librescoot/dynamixel-service/pkg/transport"
)

// Kind selects the transport adapter.
type Kind string

const (
	KindAuto     Kind = "auto"
	KindSerial   Kind = "serial"
	KindUSB      Kind = "usb"
	KindLoopback Kind = "loopback"
)

// Config is the explicit session configuration.
type Config struct {
	Kind          Kind
	PortPath      string
	BaudRate      int
	Timeout       time.Duration
	Window        time.Duration
	HighWaterMark int
	Debug         bool
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindAuto
	}
	if c.BaudRate == 0 {
		c.BaudRate = transport.DefaultBaudRate
	}
	if c.Timeout == 0 {
		c.Timeout = engine.DefaultTimeout
	}
	if c.Window == 0 {
		c.Window = engine.DefaultWindow
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = transport.DefaultHighWaterMark
	}
	return c
}

// EventType tags session notifications.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventDeviceFound
	EventError
)

// Event is one session notification. DeviceID is set for EventDeviceFound,
// Err for EventError.
type Event struct {
	Type     EventType
	DeviceID byte
	Err      error
}

var ErrNotConnected = errors.New("controller not connected")

// Controller is the top-level session object.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	tr        transport.Transport
	eng       *engine.Engine
	devices   map[byte]*device.Device
	connected bool

	events chan Event
}

// New builds a controller from config. Nothing touches the bus until
// Connect.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		devices: make(map[byte]*device.Device),
		events:  make(chan Event, 16),
	}
}

// NewWithTransport injects a ready-made transport, bypassing adapter
// selection. Tests and the loopback bus use this.
func NewWithTransport(cfg Config, tr transport.Transport) *Controller {
	c := New(cfg)
	c.tr = tr
	return c
}

// Events delivers session notifications. The channel is buffered and never
// blocks the session; while the buffer is full, new events are dropped.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Connect opens the link and starts the transaction engine. With KindAuto
// the named serial port is tried first and the USB-hub locator is the
// one-shot fallback.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	opts := transport.Options{
		BaudRate:      c.cfg.BaudRate,
		HighWaterMark: c.cfg.HighWaterMark,
		Debug:         c.cfg.Debug,
	}

	if c.tr == nil {
		tr, err := c.openTransport(ctx, opts)
		if err != nil {
			c.emit(Event{Type: EventError, Err: err})
			return err
		}
		c.tr = tr
	} else if !c.tr.Connected() {
		if err := c.tr.Connect(ctx); err != nil {
			c.emit(Event{Type: EventError, Err: err})
			return err
		}
	}

	c.eng = engine.New(c.tr,
		engine.WithTimeout(c.cfg.Timeout),
		engine.WithWindow(c.cfg.Window),
		engine.WithDebug(c.cfg.Debug),
	)
	c.connected = true
	c.emit(Event{Type: EventConnected})
	return nil
}

func (c *Controller) openTransport(ctx context.Context, opts transport.Options) (transport.Transport, error) {
	switch c.cfg.Kind {
	case KindSerial:
		tr := transport.NewSerial(c.cfg.PortPath, opts)
		return tr, tr.Connect(ctx)
	case KindUSB:
		tr := transport.NewUSB(opts)
		return tr, tr.Connect(ctx)
	case KindLoopback:
		tr := transport.NewLoopback()
		return tr, tr.Connect(ctx)
	case KindAuto:
		// Native serial is the preferred adapter; the USB-hub locator is
		// the one-shot fallback.
		if c.cfg.PortPath != "" {
			tr := transport.NewSerial(c.cfg.PortPath, opts)
			if err := tr.Connect(ctx); err == nil {
				return tr, nil
			} else {
				log.Printf("Serial port %s unavailable (%v), falling back to USB adapter", c.cfg.PortPath, err)
			}
		}
		usb := transport.NewUSB(opts)
		if err := usb.Connect(ctx); err != nil {
			return nil, fmt.Errorf("auto transport selection failed: %w", err)
		}
		return usb, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", c.cfg.Kind)
	}
}

// Disconnect cancels all pending transactions, closes the link and drops
// the device map.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	eng := c.eng
	tr := c.tr
	c.eng = nil
	c.devices = make(map[byte]*device.Device)
	c.mu.Unlock()

	eng.Close()
	err := tr.Disconnect()
	c.emit(Event{Type: EventDisconnected})
	return err
}

// Connected reports whether the session is open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Controller) engine() (*engine.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	return c.eng, nil
}

// Engine exposes the transaction engine for group operations on devices.
func (c *Controller) Engine() *engine.Engine {
	eng, _ := c.engine()
	return eng
}

const (
	// QuickScanEnd bounds the default discovery sweep.
	QuickScanEnd = 20
	// FullScanEnd is the last assignable unicast id.
	FullScanEnd = 252

	// DiscoverTimeout is the tight per-id ping timeout a sweep uses.
	DiscoverTimeout = 50 * time.Millisecond
)

// DiscoverOptions tunes a sweep. Zero values mean the quick scan: ids
// 1..20, 50 ms per id.
type DiscoverOptions struct {
	Start   byte
	End     byte
	Timeout time.Duration
	// Progress, if set, is called per probed id.
	Progress func(current, total int, id byte)
}

func (o DiscoverOptions) withDefaults() DiscoverOptions {
	if o.Start == 0 {
		o.Start = 1
	}
	if o.End == 0 {
		o.End = QuickScanEnd
	}
	if o.End > FullScanEnd {
		o.End = FullScanEnd
	}
	if o.Timeout == 0 {
		o.Timeout = DiscoverTimeout
	}
	return o
}

// Discover sweeps the id range with short pings, registers every responder
// in the device map and returns the responders.
func (c *Controller) Discover(ctx context.Context, opts DiscoverOptions) ([]*device.Device, error) {
	eng, err := c.engine()
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	total := int(opts.End) - int(opts.Start) + 1

	var found []*device.Device
	for i := 0; i < total; i++ {
		id := opts.Start + byte(i)
		if opts.Progress != nil {
			opts.Progress(i+1, total, id)
		}

		info, err := device.Ping(ctx, eng, id, opts.Timeout)
		if err != nil {
			if errors.Is(err, engine.ErrTimeout) {
				continue
			}
			c.emit(Event{Type: EventError, Err: err})
			return found, err
		}

		d := device.NewFromPing(eng, info)
		c.mu.Lock()
		c.devices[id] = d
		c.mu.Unlock()
		c.emit(Event{Type: EventDeviceFound, DeviceID: id})
		log.Printf("Found device %d: %s (model %d, firmware %d)", id, d.ModelName, d.ModelNumber, d.FirmwareVersion)
		found = append(found, d)
	}
	return found, nil
}

// BroadcastPing pings id 0xFE and collects whoever answers inside the
// window. Garbled, colliding responses fail CRC and are dropped by the
// engine; survivors are returned sorted by id.
func (c *Controller) BroadcastPing(ctx context.Context, window time.Duration) ([]*device.PingInfo, error) {
	eng, err := c.engine()
	if err != nil {
		return nil, err
	}

	group, err := eng.Collect(ctx, engine.Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstPing,
		Window:      window,
	})
	if err != nil {
		return nil, err
	}

	infos := make([]*device.PingInfo, 0, len(group))
	for _, st := range group {
		info := &device.PingInfo{ID: st.ID, Error: st.Error}
		if len(st.Params) >= 3 {
			info.ModelNumber = uint16(st.Params[0]) | uint16(st.Params[1])<<8
			info.FirmwareVersion = st.Params[2]
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Device looks up a handle from the session map.
func (c *Controller) Device(id byte) (*device.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	return d, ok
}

// Devices returns all known handles sorted by id.
func (c *Controller) Devices() []*device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*device.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddDevice registers an id without discovery, pinging it once to fill in
// its identity.
func (c *Controller) AddDevice(ctx context.Context, id byte) (*device.Device, error) {
	eng, err := c.engine()
	if err != nil {
		return nil, err
	}

	info, err := device.Ping(ctx, eng, id, 0)
	if err != nil {
		return nil, err
	}
	d := device.NewFromPing(eng, info)
	c.mu.Lock()
	c.devices[id] = d
	c.mu.Unlock()
	return d, nil
}

// RemoveDevice drops a handle from the session map.
func (c *Controller) RemoveDevice(id byte) {
	c.mu.Lock()
	delete(c.devices, id)
	c.mu.Unlock()
}
