package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRCEmptyInput(t *testing.T) {
	assert.Equal(t, uint16(0), CRC(nil))
	assert.Equal(t, uint16(0), CRC([]byte{}))
}

func TestCRCKnownVectors(t *testing.T) {
	// Bytes of well-known packets up to (excluding) their CRC field.
	cases := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			name: "ping id 1",
			data: []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x03, 0x00, 0x01},
			want: 0x4E19,
		},
		{
			name: "ping broadcast",
			data: []byte{0xFF, 0xFF, 0xFD, 0x00, 0xFE, 0x03, 0x00, 0x01},
			want: 0x4231,
		},
		{
			name: "write led on id 1",
			data: []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x06, 0x00, 0x03, 0x41, 0x00, 0x01},
			want: 0xBB4D,
		},
		{
			name: "read present position id 1",
			data: []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x07, 0x00, 0x02, 0x84, 0x00, 0x04, 0x00},
			want: 0x151D,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CRC(tc.data))
		})
	}
}

func TestCRCIncremental(t *testing.T) {
	data := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x07, 0x00, 0x02, 0x84, 0x00, 0x04, 0x00}
	crc := UpdateCRC(0, data[:5])
	crc = UpdateCRC(crc, data[5:])
	assert.Equal(t, CRC(data), crc)
}
