package packet

import (
	"encoding/binary"
	"fmt"
)

// Reader provides methods for reading wire data.
// Uses Little-Endian byte order for all multi-byte values.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a new wire reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("ReadByte: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a uint16 (2 bytes, LE).
func (r *Reader) ReadUint16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("ReadUint16: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	val := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return val, nil
}

// ReadUint32 reads a uint32 (4 bytes, LE).
func (r *Reader) ReadUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("ReadUint32: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	val := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return val, nil
}

// ReadInt64 reads an int64 (8 bytes, LE).
func (r *Reader) ReadInt64() (int64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("ReadInt64: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	val := int64(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return val, nil
}

// ReadString reads a byte-length-prefixed UTF-8 string (max 255 bytes).
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("ReadString: %w", err)
	}
	if r.pos+int(n) > len(r.data) {
		return "", fmt.Errorf("ReadString: not enough data (pos=%d, need=%d, len=%d)", r.pos, n, len(r.data))
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes reads n bytes (ZERO-COPY — returns subslice of internal data).
// Caller MUST NOT modify returned bytes; copy if mutation is needed.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ReadBytes: negative count %d", n)
	}
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("ReadBytes: not enough data (pos=%d, need=%d, len=%d)", r.pos, n, len(r.data))
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Rest returns all unread bytes (zero-copy) and advances to the end.
func (r *Reader) Rest() []byte {
	b := r.data[r.pos:]
	r.pos = len(r.data)
	return b
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Position returns the current read position.
func (r *Reader) Position() int {
	return r.pos
}
