package transport

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"
)

// U2D2 is the ROBOTIS USB bus adapter, an FTDI FT232H bridge.
const (
	U2D2VendorID  = 0x0403
	U2D2ProductID = 0x6014
)

// USB locates a USB-to-serial bridge by its vendor/product id and drives the
// bus through the serial port it exposes.
type USB struct {
	*Serial
	vendorID  uint16
	productID uint16
	opts      Options
}

// NewUSB prepares an adapter for the canonical U2D2 bridge. The port is
// resolved at Connect time.
func NewUSB(opts Options) *USB {
	return NewUSBWithIDs(U2D2VendorID, U2D2ProductID, opts)
}

func NewUSBWithIDs(vendorID, productID uint16, opts Options) *USB {
	return &USB{
		vendorID:  vendorID,
		productID: productID,
		opts:      opts,
	}
}

func (t *USB) Connect(ctx context.Context) error {
	if t.Serial != nil && t.Serial.Connected() {
		return ErrAlreadyConnected
	}

	t.probeUSBDevice()

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	path := matchPortByIDs(ports, t.vendorID, t.productID)
	if path == "" {
		return fmt.Errorf("%w: VID 0x%04x PID 0x%04x", ErrPortNotFound, t.vendorID, t.productID)
	}
	log.Printf("USB bridge found on %s (VID 0x%04x PID 0x%04x)", path, t.vendorID, t.productID)

	handler := Handler(nil)
	if t.Serial != nil {
		handler = t.Serial.handler
	}
	t.Serial = NewSerial(path, t.opts)
	if handler != nil {
		t.Serial.SetHandler(handler)
	}
	return t.Serial.Connect(ctx)
}

func (t *USB) SetHandler(h Handler) {
	if t.Serial == nil {
		// Port not resolved yet; stash the handler on a placeholder so
		// Connect can carry it over.
		t.Serial = NewSerial("", t.opts)
	}
	t.Serial.SetHandler(h)
}

func (t *USB) Disconnect() error {
	if t.Serial == nil {
		return nil
	}
	return t.Serial.Disconnect()
}

func (t *USB) Connected() bool {
	return t.Serial != nil && t.Serial.Connected()
}

func (t *USB) Flush() {
	if t.Serial != nil {
		t.Serial.Flush()
	}
}

func (t *USB) Send(packet []byte) error {
	if t.Serial == nil {
		return ErrNotConnected
	}
	return t.Serial.Send(packet)
}

// probeUSBDevice confirms the bridge is attached and logs its descriptor
// strings. Best effort; port matching below is what actually gates Connect.
func (t *USB) probeUSBDevice() {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	dev, err := usbCtx.OpenDeviceWithVIDPID(gousb.ID(t.vendorID), gousb.ID(t.productID))
	if err != nil || dev == nil {
		log.Printf("USB device VID 0x%04x PID 0x%04x not visible via libusb, falling back to port scan", t.vendorID, t.productID)
		return
	}
	defer dev.Close()

	product, _ := dev.Product()
	serialNum, _ := dev.SerialNumber()
	log.Printf("USB bridge present: %s (serial %s)", product, serialNum)
}

// matchPortByIDs picks the first enumerated port whose USB descriptors carry
// the wanted vendor/product id.
func matchPortByIDs(ports []*enumerator.PortDetails, vendorID, productID uint16) string {
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(p.VID), "0x"), 16, 16)
		if err != nil {
			continue
		}
		pid, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(p.PID), "0x"), 16, 16)
		if err != nil {
			continue
		}
		if uint16(vid) == vendorID && uint16(pid) == productID {
			return p.Name
		}
	}
	return ""
}
