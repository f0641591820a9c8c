package codec

import (
	"fmt"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
)

// Route packet flag bits.
const (
	routeFlagReply = 1 << 0
	routeFlagBase  = 1 << 1
)

// EncodeRoute encodes a route packet for mesh transport (no length prefix):
// MsgSeq(2) ServiceId(2) MsgIdLen(1) MsgId(N) FromLen(1) From(N)
// StageId(8) AccountId(8) Sid(8) ErrorCode(2) Flags(1) Payload(*).
func EncodeRoute(w *packet.Writer, p *packet.RoutePacket) error {
	h := p.Header
	w.WriteUint16(h.MsgSeq)
	w.WriteUint16(uint16(h.ServiceId))
	if err := w.WriteString(h.MsgId); err != nil {
		return fmt.Errorf("encoding route packet: %w", err)
	}
	if err := w.WriteString(string(h.From)); err != nil {
		return fmt.Errorf("encoding route packet %q: %w", h.MsgId, err)
	}
	w.WriteInt64(h.StageId)
	w.WriteInt64(h.AccountId)
	w.WriteInt64(h.Sid)
	w.WriteUint16(uint16(h.ErrorCode))

	var flags byte
	if h.IsReply {
		flags |= routeFlagReply
	}
	if h.IsBase {
		flags |= routeFlagBase
	}
	w.WriteByte(flags)
	w.WriteBytes(p.Data())
	return nil
}

// DecodeRoute parses one mesh frame into a route packet. The payload is
// copied out of the frame buffer into a pooled one; RoutePacket.Release
// returns it.
func DecodeRoute(data []byte) (*packet.RoutePacket, error) {
	r := packet.NewReader(data)

	msgSeq, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet: %w", err)
	}
	svc, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet: %w", err)
	}
	msgID, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet: %w", err)
	}
	from, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet %q: %w", msgID, err)
	}
	stageID, err := r.ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet %q: %w", msgID, err)
	}
	accountID, err := r.ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet %q: %w", msgID, err)
	}
	sid, err := r.ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet %q: %w", msgID, err)
	}
	errCode, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet %q: %w", msgID, err)
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decoding route packet %q: %w", msgID, err)
	}

	return packet.NewRoute(packet.RouteHeader{
		MsgSeq:    msgSeq,
		ServiceId: packet.ServiceId(svc),
		MsgId:     msgID,
		From:      packet.Nid(from),
		StageId:   stageID,
		AccountId: accountID,
		Sid:       sid,
		ErrorCode: packet.ErrorCode(errCode),
		IsReply:   flags&routeFlagReply != 0,
		IsBase:    flags&routeFlagBase != 0,
	}, payload.CopyPooled(r.Rest())), nil
}
