package codec

import (
	"encoding/binary"
	"fmt"
)

// Frame prepends the 4-byte little-endian length prefix to body.
// The prefix counts the body only, not itself.
func Frame(body []byte) []byte {
	out := make([]byte, LenPrefixSize+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[LenPrefixSize:], body)
	return out
}

// FrameBuffer accumulates raw TCP bytes and yields complete packets.
// Receivers must parse every fully available packet per read; partial data
// stays buffered until the rest arrives.
type FrameBuffer struct {
	buf     []byte
	maxSize int
}

// NewFrameBuffer creates a frame buffer. maxSize caps a single declared
// body length; 0 uses DefaultMaxPacketSize. A declared length above the
// cap is a hard framing error and the connection must be closed.
func NewFrameBuffer(maxSize int) *FrameBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &FrameBuffer{maxSize: maxSize}
}

// Feed appends data and returns every complete packet body now available.
// Returned slices are copies and stay valid after the next Feed.
func (f *FrameBuffer) Feed(data []byte) ([][]byte, error) {
	f.buf = append(f.buf, data...)

	var out [][]byte
	for {
		if len(f.buf) < LenPrefixSize {
			return out, nil
		}
		bodyLen := int(binary.LittleEndian.Uint32(f.buf))
		if bodyLen <= 0 || bodyLen > f.maxSize {
			return out, fmt.Errorf("framing: declared length %d out of range (max %d)", bodyLen, f.maxSize)
		}
		if len(f.buf) < LenPrefixSize+bodyLen {
			return out, nil
		}
		body := make([]byte, bodyLen)
		copy(body, f.buf[LenPrefixSize:LenPrefixSize+bodyLen])
		out = append(out, body)
		f.buf = f.buf[LenPrefixSize+bodyLen:]
	}
}

// Pending returns the number of buffered bytes awaiting completion.
func (f *FrameBuffer) Pending() int {
	return len(f.buf)
}
