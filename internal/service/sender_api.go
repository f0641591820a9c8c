package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync/atomic"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/reqcache"
)

// Sender is the per-dispatch capability surface handed to user handlers.
// The runtime sets the current inbound header before invoking a handler
// and clears it afterwards; handlers must not retain the sender across
// suspension points for replying (use the request/callback APIs instead).
type Sender struct {
	*Communicator

	current *packet.RouteHeader

	// clientReply delivers a reply to the locally connected client session
	// named by the header's Sid. Nil on api servers.
	clientReply func(h packet.RouteHeader, code packet.ErrorCode, p *packet.Packet) error

	// deliver re-enters the owner's serial context for request callbacks.
	// Nil for api senders (callbacks run on their own goroutine).
	deliver func(func())

	rr atomic.Uint64
}

// NewSender creates a sender bound to the shared communicator.
func NewSender(c *Communicator, clientReply func(packet.RouteHeader, packet.ErrorCode, *packet.Packet) error, deliver func(func())) *Sender {
	return &Sender{Communicator: c, clientReply: clientReply, deliver: deliver}
}

// SetCurrentHeader installs the inbound header for the running dispatch.
func (s *Sender) SetCurrentHeader(h packet.RouteHeader) {
	s.current = &h
}

// ClearCurrentHeader removes the inbound header on dispatch exit.
func (s *Sender) ClearCurrentHeader() {
	s.current = nil
}

// CurrentHeader returns the inbound header of the running dispatch, or nil.
func (s *Sender) CurrentHeader() *packet.RouteHeader {
	return s.current
}

// Reply answers the current inbound request with p.
func (s *Sender) Reply(p *packet.Packet) error {
	return s.replyWith(packet.Success, p)
}

// ReplyError answers the current inbound request with an error code.
func (s *Sender) ReplyError(code packet.ErrorCode) error {
	return s.replyWith(code, packet.NewEmpty(s.currentMsgID()))
}

func (s *Sender) currentMsgID() string {
	if s.current != nil {
		return s.current.MsgId
	}
	return "unknown"
}

func (s *Sender) replyWith(code packet.ErrorCode, p *packet.Packet) error {
	h := s.current
	if h == nil || h.MsgSeq == 0 || h.IsReply {
		return ErrNoHeader
	}

	if h.Sid != 0 && s.clientReply != nil {
		// Client-origin request: answer through the local session.
		return s.clientReply(*h, code, p)
	}

	reply := packet.NewRoute(packet.RouteHeader{
		MsgSeq:    h.MsgSeq,
		ServiceId: h.From.Service(),
		MsgId:     p.MsgId,
		From:      s.self,
		StageId:   h.StageId,
		AccountId: h.AccountId,
		ErrorCode: code,
		IsReply:   true,
	}, p.Payload)
	if err := s.bus.Send(h.From, reply); err != nil {
		return fmt.Errorf("replying to %s: %w", h.From, err)
	}
	return nil
}

// SendToApi sends a fire-and-forget packet to an api server.
func (s *Sender) SendToApi(nid packet.Nid, p *packet.Packet) {
	s.send(nid, packet.RouteHeader{ServiceId: packet.ServiceApi}, p)
}

// RequestToApi sends a request to an api server and waits for the reply.
func (s *Sender) RequestToApi(ctx context.Context, nid packet.Nid, p *packet.Packet) (*packet.Packet, error) {
	return s.request(ctx, nid, packet.RouteHeader{ServiceId: packet.ServiceApi}, p)
}

// RequestToApiCallback resolves cb inside the owner's serial context.
func (s *Sender) RequestToApiCallback(nid packet.Nid, p *packet.Packet, cb func(reqcache.Reply)) {
	s.requestCallback(nid, packet.RouteHeader{ServiceId: packet.ServiceApi}, p, s.deliver, cb)
}

// SendToStage sends a fire-and-forget packet to a stage on a play server.
func (s *Sender) SendToStage(nid packet.Nid, stageID int64, p *packet.Packet) {
	s.send(nid, packet.RouteHeader{ServiceId: packet.ServicePlay, StageId: stageID}, p)
}

// RequestToStage sends a request to a stage and waits for the reply.
func (s *Sender) RequestToStage(ctx context.Context, nid packet.Nid, stageID int64, p *packet.Packet) (*packet.Packet, error) {
	return s.request(ctx, nid, packet.RouteHeader{ServiceId: packet.ServicePlay, StageId: stageID}, p)
}

// RequestToStageCallback resolves cb inside the owner's serial context.
func (s *Sender) RequestToStageCallback(nid packet.Nid, stageID int64, p *packet.Packet, cb func(reqcache.Reply)) {
	s.requestCallback(nid, packet.RouteHeader{ServiceId: packet.ServicePlay, StageId: stageID}, p, s.deliver, cb)
}

// SendToSystem sends a fire-and-forget system message to a server.
func (s *Sender) SendToSystem(nid packet.Nid, p *packet.Packet) {
	s.send(nid, packet.RouteHeader{ServiceId: nid.Service(), IsBase: true}, p)
}

// RequestToSystem sends a system request to a server and waits.
func (s *Sender) RequestToSystem(ctx context.Context, nid packet.Nid, p *packet.Packet) (*packet.Packet, error) {
	return s.request(ctx, nid, packet.RouteHeader{ServiceId: nid.Service(), IsBase: true}, p)
}

// SendToApiService sends to one api server of serviceID picked by policy.
// accountID seeds the Consistent policy so one account sticks to one node.
func (s *Sender) SendToApiService(serviceID packet.ServiceId, p *packet.Packet, policy SendPolicy, accountID int64) error {
	nid, err := s.pick(serviceID, policy, accountID)
	if err != nil {
		return err
	}
	s.send(nid, packet.RouteHeader{ServiceId: serviceID}, p)
	return nil
}

func (s *Sender) pick(serviceID packet.ServiceId, policy SendPolicy, accountID int64) (packet.Nid, error) {
	if s.dir == nil {
		return "", fmt.Errorf("picking %d node: no directory", serviceID)
	}
	nids := s.dir.ServiceNids(serviceID)
	if len(nids) == 0 {
		return "", &RequestError{Code: packet.UnreachablePeer}
	}
	switch policy {
	case Random:
		return nids[rand.Intn(len(nids))], nil
	case Consistent:
		h := fnv.New32a()
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(accountID >> (8 * i))
		}
		h.Write(b[:])
		return nids[int(h.Sum32())%len(nids)], nil
	default: // RoundRobin
		return nids[int(s.rr.Add(1))%len(nids)], nil
	}
}
