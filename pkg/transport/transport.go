package transport

import (
	"context"
	"errors"
	"fmt"
)

// Handler receives one complete, unparsed frame from the link.
type Handler func(frame []byte)

// Transport is a half-duplex link to the servo bus. Adapters deliver
// reassembled frames through the handler; they never time out reads
// themselves, that is the transaction engine's job.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Send writes one packet atomically; bytes of distinct packets are
	// never interleaved on the link.
	Send(packet []byte) error

	SetHandler(h Handler)

	// Flush discards any partially reassembled frame.
	Flush()

	Connected() bool
}

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrPortNotFound     = errors.New("no matching serial port found")
)

const (
	DefaultBaudRate = 57600

	DefaultHighWaterMark = 65536
	MinHighWaterMark     = 4096
	MaxHighWaterMark     = 262144
)

// SupportedBaudRates lists the rates the DYNAMIXEL bus runs at.
var SupportedBaudRates = []int{9600, 57600, 115200, 1000000, 2000000, 3000000, 4000000, 4500000}

// Options configures the concrete adapters.
type Options struct {
	BaudRate      int
	HighWaterMark int
	Debug         bool
}

func (o Options) withDefaults() Options {
	if o.BaudRate == 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.HighWaterMark < MinHighWaterMark {
		o.HighWaterMark = MinHighWaterMark
	}
	if o.HighWaterMark > MaxHighWaterMark {
		o.HighWaterMark = MaxHighWaterMark
	}
	return o
}

func validateBaudRate(rate int) error {
	for _, r := range SupportedBaudRates {
		if r == rate {
			return nil
		}
	}
	return fmt.Errorf("unsupported baud rate %d", rate)
}
