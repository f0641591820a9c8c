// Package codec implements the PlayHouse wire formats: the client-to-server
// and server-to-client packet layouts, the 4-byte little-endian TCP framing,
// and the mesh route-packet encoding.
//
// All multi-byte integers are little-endian, including the TCP length
// prefix (the codec and both transport drivers agree on LE end to end).
package codec

import (
	"fmt"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
)

// Framing limits.
const (
	// LenPrefixSize is the size of the TCP frame length prefix.
	LenPrefixSize = 4
	// DefaultMaxPacketSize caps a single framed packet body.
	DefaultMaxPacketSize = 2 * 1024 * 1024
)

// ClientPacket is a decoded client-to-server message.
type ClientPacket struct {
	ServiceId packet.ServiceId
	MsgId     string
	MsgSeq    uint16
	StageId   int64
	Body      []byte // zero-copy view into the frame buffer
}

// EncodeClient encodes a client-to-server packet body (no length prefix):
// ServiceId(2 LE) MsgIdLen(1) MsgId(N) MsgSeq(2 LE) StageId(8 LE) Payload(*).
func EncodeClient(w *packet.Writer, serviceID packet.ServiceId, msgID string, msgSeq uint16, stageID int64, body []byte) error {
	w.WriteUint16(uint16(serviceID))
	if err := w.WriteString(msgID); err != nil {
		return fmt.Errorf("encoding client packet %q: %w", msgID, err)
	}
	w.WriteUint16(msgSeq)
	w.WriteInt64(stageID)
	w.WriteBytes(body)
	return nil
}

// DecodeClient parses one client-to-server packet body.
// The returned Body is a zero-copy view into data.
func DecodeClient(data []byte) (ClientPacket, error) {
	r := packet.NewReader(data)

	svc, err := r.ReadUint16()
	if err != nil {
		return ClientPacket{}, fmt.Errorf("decoding client packet: %w", err)
	}
	msgID, err := r.ReadString()
	if err != nil {
		return ClientPacket{}, fmt.Errorf("decoding client packet: %w", err)
	}
	if msgID == "" {
		return ClientPacket{}, fmt.Errorf("decoding client packet: empty MsgId")
	}
	msgSeq, err := r.ReadUint16()
	if err != nil {
		return ClientPacket{}, fmt.Errorf("decoding client packet %q: %w", msgID, err)
	}
	stageID, err := r.ReadInt64()
	if err != nil {
		return ClientPacket{}, fmt.Errorf("decoding client packet %q: %w", msgID, err)
	}

	return ClientPacket{
		ServiceId: packet.ServiceId(svc),
		MsgId:     msgID,
		MsgSeq:    msgSeq,
		StageId:   stageID,
		Body:      r.Rest(),
	}, nil
}

// ToRoute converts a decoded client packet into a route packet for stage
// intake. The body is copied so the frame buffer can be reused.
func (cp ClientPacket) ToRoute(from packet.Nid, accountID, sid int64) *packet.RoutePacket {
	return packet.NewRoute(packet.RouteHeader{
		MsgSeq:    cp.MsgSeq,
		ServiceId: cp.ServiceId,
		MsgId:     cp.MsgId,
		From:      from,
		StageId:   cp.StageId,
		AccountId: accountID,
		Sid:       sid,
	}, payload.Copy(cp.Body))
}
