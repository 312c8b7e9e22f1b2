package protocol

// FrameHandler receives one complete frame, header through CRC. The slice is
// owned by the receiver.
type FrameHandler func(frame []byte)

// Reassembler turns an arbitrary stream of chunks into discrete frames. It
// locates headers, waits for the declared length to arrive and resynchronizes
// byte by byte on garbage. It does not reverse byte stuffing; that happens in
// ParseStatus.
type Reassembler struct {
	buf     []byte
	handler FrameHandler
}

func NewReassembler(handler FrameHandler) *Reassembler {
	return &Reassembler{
		buf:     make([]byte, 0, 256),
		handler: handler,
	}
}

// Push appends a chunk and emits every complete frame it can carve out.
func (r *Reassembler) Push(chunk []byte) {
	r.buf = append(r.buf, chunk...)

	for {
		start := findHeader(r.buf)
		if start < 0 {
			// No header; keep the tail in case one is split across chunks.
			if len(r.buf) > 3 {
				r.buf = append(r.buf[:0], r.buf[len(r.buf)-3:]...)
			}
			return
		}
		if start > 0 {
			r.buf = append(r.buf[:0], r.buf[start:]...)
		}

		total := ProbeLength(r.buf)
		if total == 0 {
			if len(r.buf) < headerSize {
				// Undecidable until more bytes arrive.
				return
			}
			// Decidable and bad: advance one byte and rescan.
			r.buf = append(r.buf[:0], r.buf[1:]...)
			continue
		}
		if len(r.buf) < total {
			return
		}

		frame := make([]byte, total)
		copy(frame, r.buf[:total])
		r.buf = append(r.buf[:0], r.buf[total:]...)

		if r.handler != nil {
			r.handler(frame)
		}
	}
}

// Buffered reports how many bytes are waiting for frame completion.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Flush discards any partially buffered frame.
func (r *Reassembler) Flush() {
	r.buf = r.buf[:0]
}

// findHeader returns the index of the first complete FF FF FD 00 sequence,
// or -1. A header split across chunks is not reported here; Push keeps the
// last three bytes so the next chunk can complete it.
func findHeader(buf []byte) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == Header1 && buf[i+1] == Header2 && buf[i+2] == Header3 && buf[i+3] == Reserved {
			return i
		}
	}
	return -1
}
