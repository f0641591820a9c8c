package packet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/udisondev/playhouse/internal/payload"
)

// ServiceId identifies a server role in the cluster.
type ServiceId uint16

const (
	// ServicePlay hosts stages and actors.
	ServicePlay ServiceId = 1
	// ServiceApi hosts stateless request handlers.
	ServiceApi ServiceId = 2
)

// Nid is a server identity string "<service_type>:<server_id>", e.g. "1:2"
// for Play server 2. Used in routing headers and registry entries.
type Nid string

// NewNid builds a Nid from a service type and server id.
func NewNid(service ServiceId, serverID int) Nid {
	return Nid(fmt.Sprintf("%d:%d", service, serverID))
}

// Service returns the service type encoded in the nid (0 if malformed).
func (n Nid) Service() ServiceId {
	s, _, ok := strings.Cut(string(n), ":")
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return ServiceId(v)
}

// ServerID returns the server id encoded in the nid (0 if malformed).
func (n Nid) ServerID() int {
	_, s, ok := strings.Cut(string(n), ":")
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// Packet is the transport-agnostic payload envelope used at the user API.
type Packet struct {
	MsgId   string
	Payload payload.Payload
}

// New creates a packet with the given message id and payload.
// A nil payload is normalized to the empty singleton.
func New(msgID string, p payload.Payload) *Packet {
	if p == nil {
		p = payload.Empty()
	}
	return &Packet{MsgId: msgID, Payload: p}
}

// NewEmpty creates a packet with no body.
func NewEmpty(msgID string) *Packet {
	return &Packet{MsgId: msgID, Payload: payload.Empty()}
}

// Data returns the packet body bytes.
func (p *Packet) Data() []byte {
	if p.Payload == nil {
		return nil
	}
	return p.Payload.Data()
}

// Release releases the packet body.
func (p *Packet) Release() {
	if p.Payload != nil {
		p.Payload.Release()
	}
}

// RouteHeader is the mesh envelope carried by every RoutePacket.
// MsgSeq=0 means fire-and-forget; nonzero pairs a request with a reply.
type RouteHeader struct {
	MsgSeq    uint16
	ServiceId ServiceId
	MsgId     string
	From      Nid
	StageId   int64
	AccountId int64
	Sid       int64
	ErrorCode ErrorCode
	IsReply   bool
	IsBase    bool
}

// RoutePacket is the unit of inter-server transport and intra-server
// dispatch: a routing header plus an owned payload.
//
// Local-only continuations (timer ticks, AsyncIO post phases) travel as
// RoutePackets carrying a closure instead of a body; they never cross the
// wire.
type RoutePacket struct {
	Header  RouteHeader
	Payload payload.Payload

	// localFn, when set, is an in-process continuation executed by the
	// stage worker instead of user dispatch.
	localFn func()
}

// NewRoute creates a route packet; a nil payload is normalized to empty.
func NewRoute(h RouteHeader, p payload.Payload) *RoutePacket {
	if p == nil {
		p = payload.Empty()
	}
	return &RoutePacket{Header: h, Payload: p}
}

// NewLocal creates an in-process continuation packet for the given stage.
// The stage worker invokes fn inside its serial context.
func NewLocal(msgID string, stageID int64, fn func()) *RoutePacket {
	return &RoutePacket{
		Header:  RouteHeader{MsgId: msgID, StageId: stageID, IsBase: true},
		Payload: payload.Empty(),
		localFn: fn,
	}
}

// LocalFn returns the in-process continuation, or nil for wire packets.
func (p *RoutePacket) LocalFn() func() { return p.localFn }

// ToPacket converts to the user-facing envelope (borrows the payload).
func (p *RoutePacket) ToPacket() *Packet {
	return &Packet{MsgId: p.Header.MsgId, Payload: p.Payload}
}

// Data returns the body bytes.
func (p *RoutePacket) Data() []byte {
	if p.Payload == nil {
		return nil
	}
	return p.Payload.Data()
}

// Release releases the payload.
func (p *RoutePacket) Release() {
	if p.Payload != nil {
		p.Payload.Release()
	}
}

// IsRequest reports whether the packet expects a reply.
func (p *RoutePacket) IsRequest() bool {
	return p.Header.MsgSeq != 0 && !p.Header.IsReply
}
