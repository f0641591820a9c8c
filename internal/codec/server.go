package codec

import (
	"fmt"

	"github.com/pierrec/lz4/v3"
	"github.com/udisondev/playhouse/internal/packet"
)

// LZ4 policy: only bodies above CompressThreshold are considered, and the
// compressed form is kept only when it saves at least 10% of the raw size.
const (
	CompressThreshold = 512
	compressKeepRatio = 0.9
)

// ServerPacket is a decoded server-to-client message.
type ServerPacket struct {
	ServiceId packet.ServiceId
	MsgId     string
	MsgSeq    uint16
	StageId   int64
	ErrorCode packet.ErrorCode
	Body      []byte
}

// EncodeServer encodes a server-to-client packet body (no length prefix):
// ServiceId(2) MsgIdLen(1) MsgId(N) MsgSeq(2) StageId(8) ErrorCode(2)
// OriginalSize(4) Body(*).
//
// OriginalSize=0 means the body is raw; OriginalSize>0 means the body is
// LZ4-compressed to that original length.
func EncodeServer(w *packet.Writer, serviceID packet.ServiceId, msgID string, msgSeq uint16, stageID int64, errorCode packet.ErrorCode, body []byte) error {
	w.WriteUint16(uint16(serviceID))
	if err := w.WriteString(msgID); err != nil {
		return fmt.Errorf("encoding server packet %q: %w", msgID, err)
	}
	w.WriteUint16(msgSeq)
	w.WriteInt64(stageID)
	w.WriteUint16(uint16(errorCode))

	compressed := tryCompress(body)
	if compressed != nil {
		w.WriteUint32(uint32(len(body)))
		w.WriteBytes(compressed)
	} else {
		w.WriteUint32(0)
		w.WriteBytes(body)
	}
	return nil
}

// tryCompress returns the LZ4 block for body, or nil when compression is
// skipped (small body, incompressible, or insufficient saving).
func tryCompress(body []byte) []byte {
	if len(body) <= CompressThreshold {
		return nil
	}
	var hashTable [1 << 16]int
	dst := make([]byte, lz4.CompressBlockBound(len(body)))
	n, err := lz4.CompressBlock(body, dst, hashTable[:])
	if err != nil || n == 0 {
		return nil // incompressible
	}
	if float64(n) >= compressKeepRatio*float64(len(body)) {
		return nil
	}
	return dst[:n]
}

// DecodeServer parses one server-to-client packet body, decompressing the
// body when OriginalSize is nonzero.
func DecodeServer(data []byte) (ServerPacket, error) {
	r := packet.NewReader(data)

	svc, err := r.ReadUint16()
	if err != nil {
		return ServerPacket{}, fmt.Errorf("decoding server packet: %w", err)
	}
	msgID, err := r.ReadString()
	if err != nil {
		return ServerPacket{}, fmt.Errorf("decoding server packet: %w", err)
	}
	if msgID == "" {
		return ServerPacket{}, fmt.Errorf("decoding server packet: empty MsgId")
	}
	msgSeq, err := r.ReadUint16()
	if err != nil {
		return ServerPacket{}, fmt.Errorf("decoding server packet %q: %w", msgID, err)
	}
	stageID, err := r.ReadInt64()
	if err != nil {
		return ServerPacket{}, fmt.Errorf("decoding server packet %q: %w", msgID, err)
	}
	errCode, err := r.ReadUint16()
	if err != nil {
		return ServerPacket{}, fmt.Errorf("decoding server packet %q: %w", msgID, err)
	}
	origSize, err := r.ReadUint32()
	if err != nil {
		return ServerPacket{}, fmt.Errorf("decoding server packet %q: %w", msgID, err)
	}

	body := r.Rest()
	if origSize > 0 {
		raw := make([]byte, origSize)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return ServerPacket{}, fmt.Errorf("decompressing server packet %q: %w", msgID, err)
		}
		if n != int(origSize) {
			return ServerPacket{}, fmt.Errorf("decompressing server packet %q: size mismatch (want %d, got %d)", msgID, origSize, n)
		}
		body = raw
	}

	return ServerPacket{
		ServiceId: packet.ServiceId(svc),
		MsgId:     msgID,
		MsgSeq:    msgSeq,
		StageId:   stageID,
		ErrorCode: packet.ErrorCode(errCode),
		Body:      body,
	}, nil
}
