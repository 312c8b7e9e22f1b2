package protocol

import (
	"encoding/binary"
	"fmt"
)

// StatusPacket is a parsed status frame with byte stuffing already reversed.
type StatusPacket struct {
	ID     byte
	Error  byte
	Params []byte
}

// DeviceError returns the device-reported fault of this status packet, or
// nil when the error byte is clear.
func (s *StatusPacket) DeviceError() *DeviceError {
	return NewDeviceError(s.ID, s.Error)
}

// StuffParams applies Protocol 2.0 byte stuffing: every FF FF FD subsequence
// in the output gains an extra FD so the payload can never mimic a header.
func StuffParams(params []byte) []byte {
	stuffed := make([]byte, 0, len(params)+2)
	ff := 0
	for _, b := range params {
		stuffed = append(stuffed, b)
		if b == Header1 {
			ff++
			continue
		}
		if b == Header3 && ff >= 2 {
			stuffed = append(stuffed, Header3)
		}
		ff = 0
	}
	return stuffed
}

// UnstuffParams reverses StuffParams: FF FF FD FD collapses to FF FF FD.
func UnstuffParams(data []byte) []byte {
	out := make([]byte, 0, len(data))
	ff := 0
	for i := 0; i < len(data); i++ {
		b := data[i]
		out = append(out, b)
		if b == Header1 {
			ff++
			continue
		}
		if b == Header3 && ff >= 2 && i+1 < len(data) && data[i+1] == Header3 {
			i++
		}
		ff = 0
	}
	return out
}

// BuildInstruction serializes an instruction packet for id. Params are byte
// stuffed and the declared length counts the stuffed bytes.
func BuildInstruction(id, instruction byte, params []byte) ([]byte, error) {
	stuffed := StuffParams(params)
	length := len(stuffed) + 3 // instruction + crc
	if length > 0xFFFF {
		return nil, fmt.Errorf("%w: %d parameter bytes after stuffing", ErrParamTooLarge, len(stuffed))
	}

	pkt := make([]byte, 0, headerSize+length)
	pkt = append(pkt, Header1, Header2, Header3, Reserved, id)
	pkt = append(pkt, byte(length), byte(length>>8))
	pkt = append(pkt, instruction)
	pkt = append(pkt, stuffed...)

	crc := CRC(pkt)
	pkt = append(pkt, byte(crc), byte(crc>>8))
	return pkt, nil
}

// BuildStatus serializes a status packet. Devices emit these; the library
// only builds them for loopback testing.
func BuildStatus(id, errByte byte, params []byte) ([]byte, error) {
	return BuildInstruction(id, InstStatus, append([]byte{errByte}, params...))
}

// ProbeLength inspects the head of a byte stream assumed to start at a
// candidate header. It returns the total expected frame length, or 0 when
// the header is invalid or fewer than seven bytes are available.
func ProbeLength(buf []byte) int {
	if len(buf) < headerSize {
		return 0
	}
	if buf[0] != Header1 || buf[1] != Header2 || buf[2] != Header3 || buf[3] != Reserved {
		return 0
	}
	length := int(binary.LittleEndian.Uint16(buf[5:7]))
	total := headerSize + length
	if total > MaxPacketLength {
		return 0
	}
	return total
}

// ParseStatus validates and decodes one status frame. It returns
// ErrIncomplete while the frame is still shorter than its declared length,
// ErrCRC when a complete frame fails its checksum, and ErrNotStatus for
// well-formed frames that are not status packets.
func ParseStatus(frame []byte) (*StatusPacket, error) {
	if len(frame) < MinStatusLength {
		return nil, ErrIncomplete
	}
	if frame[0] != Header1 || frame[1] != Header2 || frame[2] != Header3 || frame[3] != Reserved {
		return nil, ErrBadHeader
	}

	id := frame[4]
	length := int(binary.LittleEndian.Uint16(frame[5:7]))
	total := headerSize + length
	if len(frame) < total {
		return nil, ErrIncomplete
	}
	if length < 4 {
		// instruction + error + crc is the bare minimum for a status
		return nil, ErrShortFrame
	}

	want := binary.LittleEndian.Uint16(frame[total-2 : total])
	if got := CRC(frame[:total-2]); got != want {
		return nil, fmt.Errorf("%w: calculated 0x%04x, received 0x%04x", ErrCRC, got, want)
	}

	if frame[7] != InstStatus {
		return nil, ErrNotStatus
	}

	return &StatusPacket{
		ID:     id,
		Error:  frame[8],
		Params: UnstuffParams(frame[9 : total-2]),
	}, nil
}

// ParseInstruction decodes an instruction packet. The loopback test bus uses
// it to play the device side of the link.
func ParseInstruction(frame []byte) (id, instruction byte, params []byte, err error) {
	if len(frame) < MinStatusLength {
		return 0, 0, nil, ErrIncomplete
	}
	if frame[0] != Header1 || frame[1] != Header2 || frame[2] != Header3 || frame[3] != Reserved {
		return 0, 0, nil, ErrBadHeader
	}
	length := int(binary.LittleEndian.Uint16(frame[5:7]))
	total := headerSize + length
	if len(frame) < total {
		return 0, 0, nil, ErrIncomplete
	}
	if length < 3 {
		return 0, 0, nil, ErrShortFrame
	}
	want := binary.LittleEndian.Uint16(frame[total-2 : total])
	if got := CRC(frame[:total-2]); got != want {
		return 0, 0, nil, fmt.Errorf("%w: calculated 0x%04x, received 0x%04x", ErrCRC, got, want)
	}
	return frame[4], frame[7], UnstuffParams(frame[8 : total-2]), nil
}
