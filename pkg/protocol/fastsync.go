package protocol

import "fmt"

// FastSegment is one device's slice of a fast sync/bulk read status packet.
type FastSegment struct {
	ID    byte
	Error byte
	Data  []byte
}

// DecodeFastSyncRead splits the single combined status packet of a
// FAST_SYNC_READ into per-device segments. The first device's id and data
// follow the packet's own error byte directly; each further device contributes a
// two-byte segment CRC, an error byte, its id and its data:
//
//	ID1 DATA1 CRC16  ERR2 ID2 DATA2 CRC16  ...  ERRn IDn DATAn
//
// length is the per-device read size from the request. The segment CRCs are
// not re-verified here; the frame as a whole already passed its checksum.
func DecodeFastSyncRead(status *StatusPacket, length int) ([]FastSegment, error) {
	p := status.Params
	if len(p) < 1+length {
		return nil, fmt.Errorf("%w: fast sync read payload of %d bytes", ErrShortFrame, len(p))
	}

	segs := []FastSegment{{
		ID:    p[0],
		Error: status.Error,
		Data:  p[1 : 1+length],
	}}

	pos := 1 + length
	for pos < len(p) {
		// segment CRC of the previous device
		pos += 2
		if pos+2+length > len(p) {
			break
		}
		segs = append(segs, FastSegment{
			Error: p[pos],
			ID:    p[pos+1],
			Data:  p[pos+2 : pos+2+length],
		})
		pos += 2 + length
	}
	return segs, nil
}
