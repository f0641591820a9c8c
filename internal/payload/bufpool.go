package payload

import "sync"

// BytePool recycles the buffers behind pool-backed payloads. A buffer
// that grew past four times the default capacity is not retained, so one
// oversized frame cannot pin its allocation in the pool.
type BytePool struct {
	retain int
	pool   sync.Pool
}

// NewBytePool sizes fresh buffers at defaultCap.
func NewBytePool(defaultCap int) *BytePool {
	p := &BytePool{retain: defaultCap * 4}
	p.pool.New = func() any {
		return make([]byte, 0, defaultCap)
	}
	return p
}

// Get returns a zeroed slice of length size, pooled when one fits.
func (p *BytePool) Get(size int) []byte {
	b := p.pool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	b = b[:size]
	clear(b)
	return b
}

// Put hands b back for reuse. Nil and oversized slices are dropped.
func (p *BytePool) Put(b []byte) {
	if b == nil || cap(b) > p.retain {
		return
	}
	p.pool.Put(b[:0])
}
