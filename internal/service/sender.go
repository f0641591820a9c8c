// Package service implements the unified send/request capability family
// used by actors, stages, and api handlers. One Communicator per server
// owns the mesh access; per-dispatch Senders add the current inbound
// header for reply routing.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/playhouse/internal/mesh"
	"github.com/udisondev/playhouse/internal/metrics"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/reqcache"
)

const defaultRequestTimeout = 30 * time.Second

// ErrNoHeader is returned by Reply outside of a dispatch, or when the
// inbound message was fire-and-forget (MsgSeq=0).
var ErrNoHeader = errors.New("no replyable inbound header")

// RequestError carries the failure code of a resolved request.
type RequestError struct {
	Code packet.ErrorCode
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %s (%d)", e.Code, uint16(e.Code))
}

// Directory resolves the live nids of a service for policy-based sends.
type Directory interface {
	ServiceNids(service packet.ServiceId) []packet.Nid
}

// Communicator is the shared mesh-facing half of every sender.
type Communicator struct {
	self    packet.Nid
	bus     *mesh.Bus
	cache   *reqcache.Cache
	dir     Directory
	timeout time.Duration
}

// NewCommunicator wires the sender core. timeout<=0 uses the 30s default.
func NewCommunicator(self packet.Nid, bus *mesh.Bus, cache *reqcache.Cache, dir Directory, timeout time.Duration) *Communicator {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Communicator{self: self, bus: bus, cache: cache, dir: dir, timeout: timeout}
}

// Self returns the local server nid.
func (c *Communicator) Self() packet.Nid { return c.self }

// RequestTimeout returns the configured per-request deadline.
func (c *Communicator) RequestTimeout() time.Duration { return c.timeout }

// HandleReply resolves an inbound reply against the request cache.
// Duplicate and timed-out sequences report false and are ignored.
func (c *Communicator) HandleReply(rp *packet.RoutePacket) bool {
	return c.cache.TryComplete(rp)
}

// Forward emits a pre-built header as fire-and-forget. The framework uses
// it for client pushes hopping through a remote session server.
func (c *Communicator) Forward(nid packet.Nid, h packet.RouteHeader, p *packet.Packet) {
	c.send(nid, h, p)
}

// send emits a fire-and-forget route packet. Failures are dropped with a
// warning; there is nobody to report them to.
func (c *Communicator) send(nid packet.Nid, h packet.RouteHeader, p *packet.Packet) {
	h.MsgId = p.MsgId
	h.From = c.self
	rp := packet.NewRoute(h, p.Payload)
	if err := c.bus.Send(nid, rp); err != nil {
		slog.Warn("fire-and-forget send dropped", "nid", nid, "msg_id", p.MsgId, "error", err)
	}
}

// request emits a reply-expected route packet and blocks until the reply,
// the deadline, or ctx cancellation.
func (c *Communicator) request(ctx context.Context, nid packet.Nid, h packet.RouteHeader, p *packet.Packet) (*packet.Packet, error) {
	pending := c.register(nid, &h, p)
	metrics.PendingRequests.Inc()
	defer metrics.PendingRequests.Dec()

	select {
	case r := <-pending.Ch():
		return unwrapReply(r)
	case <-ctx.Done():
		c.cache.TryComplete(packet.NewRoute(packet.RouteHeader{
			MsgSeq:    pending.Seq(),
			ErrorCode: packet.ShutdownCancel,
			IsReply:   true,
		}, nil))
		// Drain the resolution produced by TryComplete (or a racing reply).
		r := <-pending.Ch()
		if r.Code == packet.ShutdownCancel {
			return nil, ctx.Err()
		}
		return unwrapReply(r)
	}
}

// requestCallback is the non-blocking variant: cb runs when the request
// resolves, via deliver (used by stages to re-enter their serial context)
// or inline on a fresh goroutine when deliver is nil.
func (c *Communicator) requestCallback(nid packet.Nid, h packet.RouteHeader, p *packet.Packet, deliver func(func()), cb func(reqcache.Reply)) {
	pending := c.register(nid, &h, p)
	metrics.PendingRequests.Inc()
	go func() {
		r := pending.Wait()
		metrics.PendingRequests.Dec()
		if deliver != nil {
			deliver(func() { cb(r) })
		} else {
			cb(r)
		}
	}()
}

func (c *Communicator) register(nid packet.Nid, h *packet.RouteHeader, p *packet.Packet) *reqcache.Pending {
	h.MsgSeq = reqcache.NextSeq()
	h.MsgId = p.MsgId
	h.From = c.self
	pending := c.cache.Register(h.MsgSeq, c.timeout)

	rp := packet.NewRoute(*h, p.Payload)
	if err := c.bus.Send(nid, rp); err != nil {
		// The peer is unreachable; resolve now instead of waiting the
		// deadline out.
		c.cache.TryComplete(packet.NewRoute(packet.RouteHeader{
			MsgSeq:    h.MsgSeq,
			ErrorCode: packet.UnreachablePeer,
			IsReply:   true,
		}, nil))
	}
	return pending
}

func unwrapReply(r reqcache.Reply) (*packet.Packet, error) {
	if r.Code != packet.Success {
		return nil, &RequestError{Code: r.Code}
	}
	return r.Packet.ToPacket(), nil
}

// SendPolicy selects an api server among the live ones.
type SendPolicy int

const (
	RoundRobin SendPolicy = iota
	Random
	Consistent
)
