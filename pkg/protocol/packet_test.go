package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPingUnicast(t *testing.T) {
	pkt, err := BuildInstruction(1, InstPing, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x03, 0x00, 0x01, 0x19, 0x4E}, pkt)
}

func TestBuildPingBroadcast(t *testing.T) {
	pkt, err := BuildInstruction(BroadcastID, InstPing, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFD, 0x00, 0xFE, 0x03, 0x00, 0x01, 0x31, 0x42}, pkt)
}

func TestBuildWriteLED(t *testing.T) {
	pkt, err := BuildInstruction(1, InstWrite, []byte{0x41, 0x00, 0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x06, 0x00, 0x03, 0x41, 0x00, 0x01, 0x4D, 0xBB}, pkt)
}

func TestBuildReadPresentPosition(t *testing.T) {
	pkt, err := BuildInstruction(1, InstRead, []byte{0x84, 0x00, 0x04, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x07, 0x00, 0x02, 0x84, 0x00, 0x04, 0x00, 0x1D, 0x15}, pkt)
}

func TestBuildFastSyncRead(t *testing.T) {
	pkt, err := BuildInstruction(BroadcastID, InstFastSyncRead, []byte{0x84, 0x00, 0x04, 0x00, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFD, 0x00, 0xFE, 0x0A, 0x00, 0x8A, 0x84, 0x00, 0x04, 0x00}, pkt[:12])
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, pkt[12:15])
	assert.Equal(t, CRC(pkt[:15]), uint16(pkt[15])|uint16(pkt[16])<<8)
}

func TestParseStatusPingResponse(t *testing.T) {
	frame := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x07, 0x00, 0x55, 0x00, 0xB0, 0x04, 0x34, 0x19, 0x4E}
	st, err := ParseStatus(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(1), st.ID)
	assert.Equal(t, byte(0), st.Error)
	assert.Equal(t, []byte{0xB0, 0x04, 0x34}, st.Params)
	assert.Nil(t, st.DeviceError())
}

func TestParseStatusPresentPosition(t *testing.T) {
	frame := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x08, 0x00, 0x55, 0x00, 0xF8, 0x06, 0x00, 0x00, 0x8A, 0x1B}
	st, err := ParseStatus(frame)
	require.NoError(t, err)
	require.Len(t, st.Params, 4)
	value := uint32(st.Params[0]) | uint32(st.Params[1])<<8 | uint32(st.Params[2])<<16 | uint32(st.Params[3])<<24
	assert.Equal(t, uint32(1784), value)
}

func TestParseStatusIncomplete(t *testing.T) {
	frame := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x07, 0x00, 0x55, 0x00}
	_, err := ParseStatus(frame)
	assert.ErrorIs(t, err, ErrIncomplete)

	// Full minimum but declared length not yet arrived.
	frame = []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x20, 0x00, 0x55, 0x00, 0x01, 0x02}
	_, err = ParseStatus(frame)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParseStatusBadCRC(t *testing.T) {
	frame := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x07, 0x00, 0x55, 0x00, 0xB0, 0x04, 0x34, 0x19, 0x4F}
	_, err := ParseStatus(frame)
	assert.ErrorIs(t, err, ErrCRC)
}

func TestParseStatusBadHeader(t *testing.T) {
	frame := []byte{0xFF, 0xFE, 0xFD, 0x00, 0x01, 0x07, 0x00, 0x55, 0x00, 0xB0, 0x04, 0x34, 0x19, 0x4E}
	_, err := ParseStatus(frame)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestParseStatusDeviceError(t *testing.T) {
	frame, err := BuildStatus(3, ErrCodeAccess|AlertBit, nil)
	require.NoError(t, err)
	st, err := ParseStatus(frame)
	require.NoError(t, err)
	devErr := st.DeviceError()
	require.NotNil(t, devErr)
	assert.Equal(t, byte(ErrCodeAccess), devErr.Code)
	assert.True(t, devErr.Alert)
	assert.Contains(t, devErr.Error(), "access error")
	assert.Contains(t, devErr.Error(), "hardware alert")
}

func TestBuildParamTooLarge(t *testing.T) {
	_, err := BuildInstruction(1, InstWrite, make([]byte, 0x10000))
	assert.ErrorIs(t, err, ErrParamTooLarge)
}

func TestStuffingInsertsAfterHeaderPattern(t *testing.T) {
	assert.Equal(t,
		[]byte{0xFF, 0xFF, 0xFD, 0xFD},
		StuffParams([]byte{0xFF, 0xFF, 0xFD}))
	assert.Equal(t,
		[]byte{0x01, 0xFF, 0xFF, 0xFD, 0xFD, 0x02, 0xFF, 0xFF, 0xFD, 0xFD},
		StuffParams([]byte{0x01, 0xFF, 0xFF, 0xFD, 0x02, 0xFF, 0xFF, 0xFD}))
	// Three FFs still only guard the one FD that completes the pattern.
	assert.Equal(t,
		[]byte{0xFF, 0xFF, 0xFF, 0xFD, 0xFD},
		StuffParams([]byte{0xFF, 0xFF, 0xFF, 0xFD}))
}

func TestStuffUnstuffIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []byte{0x00, 0x01, 0xFD, 0xFE, 0xFF}
	for i := 0; i < 500; i++ {
		params := make([]byte, rng.Intn(64))
		for j := range params {
			params[j] = alphabet[rng.Intn(len(alphabet))]
		}
		assert.Equal(t, params, append([]byte{}, UnstuffParams(StuffParams(params))...))
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		id := byte(rng.Intn(254))
		params := make([]byte, rng.Intn(1024))
		for j := range params {
			params[j] = byte(rng.Intn(256))
		}

		frame, err := BuildInstruction(id, InstStatus, append([]byte{0}, params...))
		require.NoError(t, err)

		st, err := ParseStatus(frame)
		require.NoError(t, err)
		assert.Equal(t, id, st.ID)
		assert.Equal(t, byte(0), st.Error)
		assert.Equal(t, params, append([]byte{}, st.Params...))
	}
}

func TestDeclaredLengthCountsStuffedBytes(t *testing.T) {
	params := []byte{0xFF, 0xFF, 0xFD} // stuffs to four bytes
	pkt, err := BuildInstruction(1, InstWrite, params)
	require.NoError(t, err)
	length := int(pkt[5]) | int(pkt[6])<<8
	assert.Equal(t, 4+3, length)
	assert.Equal(t, 7+length, len(pkt))
}

func TestProbeLength(t *testing.T) {
	ping, _ := BuildInstruction(1, InstPing, nil)
	assert.Equal(t, len(ping), ProbeLength(ping))
	assert.Equal(t, 0, ProbeLength(ping[:6]))
	assert.Equal(t, 0, ProbeLength([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}))
}

func TestParseInstructionRoundTrip(t *testing.T) {
	pkt, err := BuildInstruction(5, InstWrite, []byte{0x74, 0x00, 0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	id, inst, params, err := ParseInstruction(pkt)
	require.NoError(t, err)
	assert.Equal(t, byte(5), id)
	assert.Equal(t, byte(InstWrite), inst)
	assert.Equal(t, []byte{0x74, 0x00, 0x01, 0x02, 0x03, 0x04}, params)
}
