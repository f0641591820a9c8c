package payload

import "sync/atomic"

// Payload is an ownership-tracked byte sequence carried inside packets.
//
// Ownership discipline: whoever holds the Payload last calls Release exactly
// once. Pool-backed payloads return their buffer to the pool on Release;
// reading after Release is a bug. Wrap/Empty payloads treat Release as a no-op.
type Payload interface {
	// Data returns a read-only view of the bytes. Callers MUST NOT mutate
	// or retain the slice past Release.
	Data() []byte
	// Len returns the payload length in bytes.
	Len() int
	// Release frees any pooled resources. Safe to call once; further
	// Data calls after Release return nil.
	Release()
}

// Marshaler is a typed message that can serialize itself.
// Used by Lazy payloads to defer encoding until the bytes are needed.
type Marshaler interface {
	MarshalBinary() ([]byte, error)
}

type emptyPayload struct{}

func (emptyPayload) Data() []byte { return nil }
func (emptyPayload) Len() int     { return 0 }
func (emptyPayload) Release()     {}

var empty = emptyPayload{}

// Empty returns the shared zero-length payload singleton.
func Empty() Payload { return empty }

// wrapPayload borrows a window over an external buffer. The caller keeps
// ownership of the underlying array; Release is a no-op.
type wrapPayload struct {
	data []byte
}

// Wrap borrows b without copying. The bytes must stay valid for the
// lifetime of the payload.
func Wrap(b []byte) Payload {
	if len(b) == 0 {
		return empty
	}
	return &wrapPayload{data: b}
}

func (p *wrapPayload) Data() []byte { return p.data }
func (p *wrapPayload) Len() int     { return len(p.data) }
func (p *wrapPayload) Release()     {}

// Copy clones b into a freshly allocated payload, detaching it from the
// source buffer. Use when the source is pool-backed and outlives the read.
func Copy(b []byte) Payload {
	if len(b) == 0 {
		return empty
	}
	dup := make([]byte, len(b))
	copy(dup, b)
	return &wrapPayload{data: dup}
}

// framePool backs CopyPooled. Sized for typical route payloads; larger
// bodies fall through to plain allocations inside BytePool.
var framePool = NewBytePool(4096)

// CopyPooled clones b into a pool-backed payload. Release returns the
// buffer for reuse, so callers must not retain Data past Release.
func CopyPooled(b []byte) Payload {
	if len(b) == 0 {
		return empty
	}
	buf := framePool.Get(len(b))
	copy(buf, b)
	return &pooledPayload{data: buf, pool: framePool}
}

// pooledPayload owns a pool buffer and returns it on Release.
type pooledPayload struct {
	data     []byte
	pool     *BytePool
	released atomic.Bool
}

// FromPool takes ownership of buf (obtained from pool). Release returns
// the buffer to the pool; double Release is tolerated.
func FromPool(buf []byte, pool *BytePool) Payload {
	return &pooledPayload{data: buf, pool: pool}
}

func (p *pooledPayload) Data() []byte {
	if p.released.Load() {
		return nil
	}
	return p.data
}

func (p *pooledPayload) Len() int {
	if p.released.Load() {
		return 0
	}
	return len(p.data)
}

func (p *pooledPayload) Release() {
	if p.released.CompareAndSwap(false, true) {
		if p.pool != nil {
			p.pool.Put(p.data)
		}
		p.data = nil
	}
}

// lazyPayload defers serialization of a typed message until first read.
type lazyPayload struct {
	msg  Marshaler
	data []byte
	done bool
	fail bool
}

// Lazy wraps a typed message; MarshalBinary runs on first Data/Len call.
// A marshal failure yields an empty view (callers see a zero-length body).
func Lazy(msg Marshaler) Payload {
	return &lazyPayload{msg: msg}
}

func (p *lazyPayload) materialize() {
	if p.done {
		return
	}
	p.done = true
	b, err := p.msg.MarshalBinary()
	if err != nil {
		p.fail = true
		return
	}
	p.data = b
}

func (p *lazyPayload) Data() []byte {
	p.materialize()
	return p.data
}

func (p *lazyPayload) Len() int {
	p.materialize()
	return len(p.data)
}

func (p *lazyPayload) Release() {
	p.data = nil
	p.msg = nil
	p.done = true
}
