// Package reqcache correlates outbound request MsgSeq values with inbound
// replies. Sequence numbers are drawn from a process-wide counter so that a
// reply addressed to any sender matches the unique pending request.
package reqcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/playhouse/internal/packet"
)

// Reply is the outcome of a pending request: either the reply packet
// (Code==Success, Packet set) or a failure code.
type Reply struct {
	Packet *packet.RoutePacket
	Code   packet.ErrorCode
}

// seqCounter is process-wide. Never per-sender: replies carry only MsgSeq,
// so the sequence space must be unique across all senders.
var seqCounter atomic.Uint32

// NextSeq returns the next request sequence, wrapping through 1..65535
// (0 is reserved for fire-and-forget).
func NextSeq() uint16 {
	for {
		if s := uint16(seqCounter.Add(1)); s != 0 {
			return s
		}
	}
}

// Pending is a one-shot completion handle for a registered request.
type Pending struct {
	seq   uint16
	ch    chan Reply
	done  atomic.Bool
	timer *time.Timer
}

// Wait blocks until the request resolves (reply, timeout, or cancel).
func (p *Pending) Wait() Reply {
	return <-p.ch
}

// Ch exposes the completion channel for select-based callers.
func (p *Pending) Ch() <-chan Reply {
	return p.ch
}

// Seq returns the request sequence.
func (p *Pending) Seq() uint16 { return p.seq }

// resolve delivers the outcome exactly once.
func (p *Pending) resolve(r Reply) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- r
	return true
}

// Cache maps in-flight MsgSeq values to completion handles.
// Deadline enforcement is active: a per-entry timer resolves the handle
// with RequestTimeout when no reply arrives in time.
type Cache struct {
	mu      sync.Mutex
	pending map[uint16]*Pending
	closed  bool
}

// New creates an empty request cache.
func New() *Cache {
	return &Cache{pending: make(map[uint16]*Pending)}
}

// Register records a pending request with the given deadline and returns
// its completion handle. After cache shutdown the handle resolves
// immediately with ShutdownCancel.
func (c *Cache) Register(seq uint16, timeout time.Duration) *Pending {
	p := &Pending{seq: seq, ch: make(chan Reply, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.resolve(Reply{Code: packet.ShutdownCancel})
		return p
	}
	c.pending[seq] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		if c.remove(seq) != nil {
			p.resolve(Reply{Code: packet.RequestTimeout})
		}
	})
	return p
}

// TryComplete resolves the pending request matching the reply's MsgSeq.
// Returns false when the request already timed out, was cancelled, or a
// duplicate reply arrives.
func (c *Cache) TryComplete(reply *packet.RoutePacket) bool {
	p := c.remove(reply.Header.MsgSeq)
	if p == nil {
		return false
	}
	code := reply.Header.ErrorCode
	return p.resolve(Reply{Packet: reply, Code: code})
}

// CancelAll fails every pending request with code. Used at shutdown; the
// cache refuses registrations afterwards.
func (c *Cache) CancelAll(code packet.ErrorCode) {
	c.mu.Lock()
	c.closed = true
	entries := c.pending
	c.pending = make(map[uint16]*Pending)
	c.mu.Unlock()

	for _, p := range entries {
		p.resolve(Reply{Code: code})
	}
}

// Len returns the number of in-flight requests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Cache) remove(seq uint16) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	return p
}
