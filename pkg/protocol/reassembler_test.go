package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(t *testing.T) (*Reassembler, *[][]byte) {
	t.Helper()
	var frames [][]byte
	r := NewReassembler(func(frame []byte) {
		frames = append(frames, frame)
	})
	return r, &frames
}

func TestReassemblerWholeFrame(t *testing.T) {
	r, frames := collectFrames(t)
	frame, _ := BuildStatus(1, 0, []byte{0xB0, 0x04, 0x34})
	r.Push(frame)
	require.Len(t, *frames, 1)
	assert.Equal(t, frame, (*frames)[0])
	assert.Equal(t, 0, r.Buffered())
}

func TestReassemblerByteByByte(t *testing.T) {
	r, frames := collectFrames(t)
	frame, _ := BuildStatus(1, 0, []byte{0xF8, 0x06, 0x00, 0x00})
	for _, b := range frame {
		r.Push([]byte{b})
	}
	require.Len(t, *frames, 1)
	assert.Equal(t, frame, (*frames)[0])
}

func TestReassemblerGarbagePrefix(t *testing.T) {
	r, frames := collectFrames(t)
	frame, _ := BuildStatus(2, 0, nil)
	r.Push(append([]byte{0x12, 0xFF, 0x00, 0x55}, frame...))
	require.Len(t, *frames, 1)
	assert.Equal(t, frame, (*frames)[0])
}

func TestReassemblerTwoFramesOneChunk(t *testing.T) {
	r, frames := collectFrames(t)
	f1, _ := BuildStatus(1, 0, []byte{0x01})
	f2, _ := BuildStatus(2, 0, []byte{0x02})
	r.Push(append(append([]byte{}, f1...), f2...))
	require.Len(t, *frames, 2)
	assert.Equal(t, f1, (*frames)[0])
	assert.Equal(t, f2, (*frames)[1])
}

func TestReassemblerSplitAcrossChunks(t *testing.T) {
	r, frames := collectFrames(t)
	frame, _ := BuildStatus(1, 0, []byte{0xAA, 0xBB})
	r.Push(frame[:5])
	assert.Empty(t, *frames)
	r.Push(frame[5:])
	require.Len(t, *frames, 1)
	assert.Equal(t, frame, (*frames)[0])
}

func TestReassemblerPartialHeaderThenFrame(t *testing.T) {
	r, frames := collectFrames(t)
	frame, _ := BuildStatus(1, 0, nil)
	r.Push([]byte{0xFF, 0xFF})
	r.Push(frame)
	require.Len(t, *frames, 1)
	assert.Equal(t, frame, (*frames)[0])
}

func TestReassemblerFalseHeaderStallsUntilFlush(t *testing.T) {
	r, frames := collectFrames(t)
	// A stray header with a huge declared length keeps the buffer waiting;
	// the engine's timeout flush clears it and the bus recovers.
	r.Push([]byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0xFF, 0xFF})
	assert.Empty(t, *frames)
	r.Flush()
	frame, _ := BuildStatus(1, 0, []byte{0x7F})
	r.Push(frame)
	require.Len(t, *frames, 1)
}

func TestReassemblerFlush(t *testing.T) {
	r, frames := collectFrames(t)
	frame, _ := BuildStatus(1, 0, []byte{0x01, 0x02, 0x03})
	r.Push(frame[:8])
	assert.NotZero(t, r.Buffered())
	r.Flush()
	assert.Equal(t, 0, r.Buffered())
	r.Push(frame[8:])
	assert.Empty(t, *frames)
}
