package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/dynamixel-service/pkg/engine"
	"github.com/librescoot/dynamixel-service/pkg/transport"
)

func newTestController(t *testing.T, servos ...*transport.Servo) (*Controller, *transport.MockBus) {
	t.Helper()
	bus := transport.NewMockBus(servos...)
	c := NewWithTransport(Config{}, bus)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c, bus
}

func TestDiscoverFindsServos(t *testing.T) {
	c, _ := newTestController(t,
		transport.NewServo(1, 1200),
		transport.NewServo(3, 1060),
		transport.NewServo(7, 1020),
	)

	var probed []byte
	found, err := c.Discover(context.Background(), DiscoverOptions{
		End: 10,
		Progress: func(current, total int, id byte) {
			probed = append(probed, id)
			assert.Equal(t, 10, total)
		},
	})
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, byte(1), found[0].ID)
	assert.Equal(t, "XL330-M288", found[0].ModelName)
	assert.Equal(t, byte(3), found[1].ID)
	assert.Equal(t, byte(7), found[2].ID)
	assert.Len(t, probed, 10)

	d, ok := c.Device(3)
	require.True(t, ok)
	assert.Equal(t, uint16(1060), d.ModelNumber)
}

func TestDiscoverEmitsDeviceFound(t *testing.T) {
	c, _ := newTestController(t, transport.NewServo(2, 1020))

	// Drain the connected event first.
	select {
	case ev := <-c.Events():
		assert.Equal(t, EventConnected, ev.Type)
	default:
	}

	_, err := c.Discover(context.Background(), DiscoverOptions{End: 3})
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		assert.Equal(t, EventDeviceFound, ev.Type)
		assert.Equal(t, byte(2), ev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("no device found event")
	}
}

func TestBroadcastPing(t *testing.T) {
	c, _ := newTestController(t,
		transport.NewServo(4, 1020),
		transport.NewServo(9, 1200),
	)

	infos, err := c.BroadcastPing(context.Background(), 60*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, byte(4), infos[0].ID)
	assert.Equal(t, uint16(1020), infos[0].ModelNumber)
	assert.Equal(t, byte(9), infos[1].ID)
	assert.Equal(t, uint16(1200), infos[1].ModelNumber)
}

func TestAddAndRemoveDevice(t *testing.T) {
	c, _ := newTestController(t, transport.NewServo(5, 1060))

	d, err := c.AddDevice(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "XL430-W250", d.ModelName)

	_, ok := c.Device(5)
	assert.True(t, ok)
	c.RemoveDevice(5)
	_, ok = c.Device(5)
	assert.False(t, ok)
}

func TestAddDeviceAbsentTimesOut(t *testing.T) {
	c, _ := newTestController(t, transport.NewServo(1, 1020))

	_, err := c.AddDevice(context.Background(), 42)
	assert.ErrorIs(t, err, engine.ErrTimeout)
}

func TestDisconnectDropsDevices(t *testing.T) {
	bus := transport.NewMockBus(transport.NewServo(1, 1020))
	c := NewWithTransport(Config{}, bus)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Discover(context.Background(), DiscoverOptions{End: 2})
	require.NoError(t, err)
	assert.Len(t, c.Devices(), 1)

	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())
	assert.Empty(t, c.Devices())
}

func TestOperationsWhileDisconnected(t *testing.T) {
	c := NewWithTransport(Config{}, transport.NewMockBus())

	_, err := c.Discover(context.Background(), DiscoverOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.BroadcastPing(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, KindAuto, cfg.Kind)
	assert.Equal(t, 57600, cfg.BaudRate)
	assert.Equal(t, 100*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 65536, cfg.HighWaterMark)
}

func TestDiscoverOptionDefaults(t *testing.T) {
	opts := DiscoverOptions{}.withDefaults()
	assert.Equal(t, byte(1), opts.Start)
	assert.Equal(t, byte(QuickScanEnd), opts.End)
	assert.Equal(t, DiscoverTimeout, opts.Timeout)

	opts = DiscoverOptions{End: 255}.withDefaults()
	assert.Equal(t, byte(FullScanEnd), opts.End)
}
