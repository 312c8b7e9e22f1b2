package engine

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/dynamixel-service/pkg/protocol"
	"github.com/librescoot/dynamixel-service/pkg/transport"
)

func newTestEngine(t *testing.T, servos ...*transport.Servo) (*Engine, *transport.MockBus) {
	t.Helper()
	bus := transport.NewMockBus(servos...)
	require.NoError(t, bus.Connect(context.Background()))
	e := New(bus)
	t.Cleanup(func() {
		e.Close()
		bus.Disconnect()
	})
	return e, bus
}

func TestTransactPing(t *testing.T) {
	e, _ := newTestEngine(t, transport.NewServo(1, 1200))

	st, err := e.Transact(context.Background(), Request{ID: 1, Instruction: protocol.InstPing})
	require.NoError(t, err)
	assert.Equal(t, byte(1), st.ID)
	assert.Equal(t, byte(0), st.Error)
	assert.Equal(t, []byte{0xB0, 0x04, 0x34}, st.Params)
}

func TestTransactTimeout(t *testing.T) {
	e, _ := newTestEngine(t, transport.NewServo(1, 1200))

	start := time.Now()
	_, err := e.Transact(context.Background(), Request{
		ID:          9,
		Instruction: protocol.InstPing,
		Timeout:     30 * time.Millisecond,
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 200*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestTransactReadWrite(t *testing.T) {
	servo := transport.NewServo(1, 1060)
	e, _ := newTestEngine(t, servo)
	ctx := context.Background()

	// WRITE goal position 2048
	params := []byte{0x74, 0x00}
	goal := make([]byte, 4)
	binary.LittleEndian.PutUint32(goal, 2048)
	st, err := e.Transact(ctx, Request{ID: 1, Instruction: protocol.InstWrite, Params: append(params, goal...)})
	require.NoError(t, err)
	assert.Equal(t, byte(0), st.Error)
	assert.Equal(t, goal, servo.Peek(116, 4))

	// READ it back
	st, err = e.Transact(ctx, Request{ID: 1, Instruction: protocol.InstRead, Params: []byte{0x74, 0x00, 0x04, 0x00}})
	require.NoError(t, err)
	assert.Equal(t, goal, st.Params)
}

func TestCollectSyncRead(t *testing.T) {
	s1 := transport.NewServo(1, 1020)
	s2 := transport.NewServo(2, 1020)
	s3 := transport.NewServo(3, 1020)
	s1.Poke(132, []byte{0x10, 0x00, 0x00, 0x00})
	s2.Poke(132, []byte{0x20, 0x00, 0x00, 0x00})
	s3.Poke(132, []byte{0x30, 0x00, 0x00, 0x00})
	e, _ := newTestEngine(t, s1, s2, s3)

	params := []byte{0x84, 0x00, 0x04, 0x00, 1, 2, 3}
	start := time.Now()
	group, err := e.Collect(context.Background(), Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstSyncRead,
		Params:      params,
		ExpectIDs:   []byte{1, 2, 3},
		Window:      500 * time.Millisecond,
	})
	require.NoError(t, err)

	// All three reported, so collection must finish well before the window.
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	require.Len(t, group, 3)
	assert.Equal(t, []byte{0x10, 0x00, 0x00, 0x00}, group[1].Params)
	assert.Equal(t, []byte{0x20, 0x00, 0x00, 0x00}, group[2].Params)
	assert.Equal(t, []byte{0x30, 0x00, 0x00, 0x00}, group[3].Params)
}

func TestCollectPartialOnSilentServo(t *testing.T) {
	s1 := transport.NewServo(1, 1020)
	s2 := transport.NewServo(2, 1020)
	s2.Silent = true
	e, _ := newTestEngine(t, s1, s2)

	group, err := e.Collect(context.Background(), Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstSyncRead,
		Params:      []byte{0x84, 0x00, 0x04, 0x00, 1, 2},
		ExpectIDs:   []byte{1, 2},
		Window:      50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Len(t, group, 1)
	assert.Contains(t, group, byte(1))
}

func TestCollectBroadcastPingAnyID(t *testing.T) {
	e, _ := newTestEngine(t, transport.NewServo(1, 1200), transport.NewServo(5, 1060))

	group, err := e.Collect(context.Background(), Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstPing,
		Window:      60 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Len(t, group, 2)
	assert.Contains(t, group, byte(1))
	assert.Contains(t, group, byte(5))
}

func TestSubmitSyncWrite(t *testing.T) {
	s1 := transport.NewServo(1, 1020)
	s2 := transport.NewServo(2, 1020)
	e, _ := newTestEngine(t, s1, s2)

	params := []byte{0x74, 0x00, 0x04, 0x00,
		1, 0x00, 0x08, 0x00, 0x00,
		2, 0x00, 0x04, 0x00, 0x00,
	}
	require.NoError(t, e.Submit(context.Background(), Request{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstSyncWrite,
		Params:      params,
	}))

	// The mock bus applies sync writes synchronously in Send.
	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x00}, s1.Peek(116, 4))
	assert.Equal(t, []byte{0x00, 0x04, 0x00, 0x00}, s2.Peek(116, 4))
}

func TestSubmissionOrderFromOneCaller(t *testing.T) {
	servo := transport.NewServo(1, 1020)
	e, _ := newTestEngine(t, servo)
	ctx := context.Background()

	for i := byte(1); i <= 5; i++ {
		_, err := e.Transact(ctx, Request{ID: 1, Instruction: protocol.InstWrite, Params: []byte{0x41, 0x00, i}})
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{5}, servo.Peek(65, 1))
}

func TestConcurrentCallersAllComplete(t *testing.T) {
	e, _ := newTestEngine(t, transport.NewServo(1, 1020))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Transact(ctx, Request{ID: 1, Instruction: protocol.InstPing})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCancelledContext(t *testing.T) {
	e, _ := newTestEngine(t, transport.NewServo(1, 1020))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Transact(ctx, Request{ID: 1, Instruction: protocol.InstPing})
	assert.Error(t, err)
}

func TestCloseFailsWaiters(t *testing.T) {
	bus := transport.NewMockBus(transport.NewServo(1, 1020))
	require.NoError(t, bus.Connect(context.Background()))
	defer bus.Disconnect()
	e := New(bus)

	done := make(chan error, 1)
	go func() {
		_, err := e.Transact(context.Background(), Request{
			ID:          9, // never answers
			Instruction: protocol.InstPing,
			Timeout:     time.Second,
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	e.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestTransportFailure(t *testing.T) {
	bus := transport.NewMockBus()
	// Not connected: Send must fail and surface as TransportFailedError.
	e := New(bus)
	defer e.Close()

	_, err := e.Transact(context.Background(), Request{ID: 1, Instruction: protocol.InstPing})
	var tf *TransportFailedError
	assert.ErrorAs(t, err, &tf)
}
