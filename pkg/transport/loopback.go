package transport

import (
	"context"
	"sync"

	"github.com/librescoot/dynamixel-service/pkg/protocol"
)

// Loopback is an in-memory adapter. Whatever the host sends is handed to the
// peer function, and bytes fed through Feed travel back through the normal
// reassembly path. Tests use it to capture transmitted packets without
// hardware; the simulated servos live in MockBus, a separate adapter.
type Loopback struct {
	mu        sync.Mutex
	handler   Handler
	reasm     *protocol.Reassembler
	peer      func(tx []byte)
	connected bool
}

func NewLoopback() *Loopback {
	l := &Loopback{}
	l.reasm = protocol.NewReassembler(func(frame []byte) {
		h := l.handler
		if h != nil {
			h(frame)
		}
	})
	return l
}

// SetPeer registers the receiver of everything the host transmits.
func (l *Loopback) SetPeer(peer func(tx []byte)) {
	l.mu.Lock()
	l.peer = peer
	l.mu.Unlock()
}

// Feed injects raw bytes as if they arrived from the bus. Chunking is
// arbitrary; frames are reassembled before reaching the handler.
func (l *Loopback) Feed(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasm.Push(data)
}

func (l *Loopback) SetHandler(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return ErrAlreadyConnected
	}
	l.connected = true
	return nil
}

func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.reasm.Flush()
	return nil
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Loopback) Send(packet []byte) error {
	l.mu.Lock()
	peer := l.peer
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if peer != nil {
		buf := make([]byte, len(packet))
		copy(buf, packet)
		peer(buf)
	}
	return nil
}

func (l *Loopback) Flush() {
	l.mu.Lock()
	l.reasm.Flush()
	l.mu.Unlock()
}
