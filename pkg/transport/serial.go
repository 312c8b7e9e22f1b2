package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/librescoot/dynamixel-service/pkg/protocol"
)

const readChunkSize = 4096

// Serial drives the bus through a named serial port via go.bug.st/serial.
type Serial struct {
	portPath string
	opts     Options

	mu        sync.Mutex
	writeMu   sync.Mutex
	port      serial.Port
	reasm     *protocol.Reassembler
	handler   Handler
	connected bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewSerial(portPath string, opts Options) *Serial {
	t := &Serial{
		portPath: portPath,
		opts:     opts.withDefaults(),
	}
	t.reasm = protocol.NewReassembler(t.dispatch)
	return t
}

func (t *Serial) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Serial) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return ErrAlreadyConnected
	}
	if err := validateBaudRate(t.opts.BaudRate); err != nil {
		return err
	}

	mode := &serial.Mode{
		BaudRate: t.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.portPath, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", t.portPath, err)
	}
	// A short read timeout lets the read loop poll its stop channel.
	if err := port.SetReadTimeout(20 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	t.port = port
	t.stopChan = make(chan struct{})
	t.connected = true
	t.reasm.Flush()

	t.wg.Add(1)
	go t.readLoop(t.stopChan, port)

	log.Printf("Serial transport connected: %s @ %d baud", t.portPath, t.opts.BaudRate)
	return nil
}

func (t *Serial) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	close(t.stopChan)
	port := t.port
	t.port = nil
	t.mu.Unlock()

	t.wg.Wait()
	return port.Close()
}

func (t *Serial) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Serial) Send(packet []byte) error {
	t.mu.Lock()
	port := t.port
	connected := t.connected
	debug := t.opts.Debug
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if debug {
		log.Printf("TX: %s", hex.EncodeToString(packet))
	}
	for written := 0; written < len(packet); {
		n, err := port.Write(packet[written:])
		if err != nil {
			return fmt.Errorf("serial write failed: %w", err)
		}
		written += n
	}
	return nil
}

func (t *Serial) Flush() {
	t.mu.Lock()
	t.reasm.Flush()
	t.mu.Unlock()
}

func (t *Serial) readLoop(stop chan struct{}, port serial.Port) {
	defer t.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			log.Printf("Error reading from serial port: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		t.mu.Lock()
		if t.opts.Debug {
			log.Printf("RX: %s", hex.EncodeToString(buf[:n]))
		}
		t.reasm.Push(buf[:n])
		if t.reasm.Buffered() > t.opts.HighWaterMark {
			log.Printf("RX buffer exceeded %d bytes, flushing", t.opts.HighWaterMark)
			t.reasm.Flush()
		}
		t.mu.Unlock()
	}
}

// dispatch runs under t.mu (Push is only called with it held).
func (t *Serial) dispatch(frame []byte) {
	h := t.handler
	if h != nil {
		h(frame)
	}
}
