package packet

import (
	"bytes"
	"fmt"
	"sync"
)

// Writer provides methods for writing wire data.
// Uses Little-Endian byte order for all multi-byte values.
type Writer struct {
	buf *bytes.Buffer
}

// writerPool reduces allocations by reusing Writers.
// Get() returns a Writer with Reset() called, Put() returns it to pool.
var writerPool = sync.Pool{
	New: func() any {
		return &Writer{
			buf: bytes.NewBuffer(make([]byte, 0, 512)),
		}
	},
}

// GetWriter returns a Writer from the pool (already Reset).
func GetWriter() *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	return w
}

// Put returns a Writer to the pool for reuse.
// IMPORTANT: Do not use the Writer after calling Put.
func (w *Writer) Put() {
	writerPool.Put(w)
}

// NewWriter creates a new wire writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: bytes.NewBuffer(make([]byte, 0, capacity))}
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

// WriteUint16 writes a uint16 (2 bytes, LE).
// Optimized: manual encoding instead of binary.Write.
func (w *Writer) WriteUint16(val uint16) {
	w.buf.WriteByte(byte(val))
	w.buf.WriteByte(byte(val >> 8))
}

// WriteUint32 writes a uint32 (4 bytes, LE).
func (w *Writer) WriteUint32(val uint32) {
	w.buf.WriteByte(byte(val))
	w.buf.WriteByte(byte(val >> 8))
	w.buf.WriteByte(byte(val >> 16))
	w.buf.WriteByte(byte(val >> 24))
}

// WriteInt64 writes an int64 (8 bytes, LE).
func (w *Writer) WriteInt64(val int64) {
	w.buf.WriteByte(byte(val))
	w.buf.WriteByte(byte(val >> 8))
	w.buf.WriteByte(byte(val >> 16))
	w.buf.WriteByte(byte(val >> 24))
	w.buf.WriteByte(byte(val >> 32))
	w.buf.WriteByte(byte(val >> 40))
	w.buf.WriteByte(byte(val >> 48))
	w.buf.WriteByte(byte(val >> 56))
}

// WriteString writes a byte-length-prefixed UTF-8 string.
// Returns an error if s does not fit in 255 bytes or is empty.
func (w *Writer) WriteString(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("WriteString: empty string")
	}
	if len(s) > 255 {
		return fmt.Errorf("WriteString: string too long (%d bytes, max 255)", len(s))
	}
	w.buf.WriteByte(byte(len(s)))
	w.buf.WriteString(s)
	return nil
}

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(data []byte) {
	_, _ = w.buf.Write(data)
}

// Bytes returns the accumulated data.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the current length.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Reset clears the buffer for reuse.
func (w *Writer) Reset() {
	w.buf.Reset()
}
