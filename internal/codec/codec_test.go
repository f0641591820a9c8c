package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
)

func TestClientPacket_RoundTrip(t *testing.T) {
	w := packet.GetWriter()
	defer w.Put()
	body := []byte("move north")
	if err := EncodeClient(w, packet.ServicePlay, "MoveRequest", 42, 1001, body); err != nil {
		t.Fatalf("encode: %v", err)
	}

	cp, err := DecodeClient(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cp.ServiceId != packet.ServicePlay || cp.MsgId != "MoveRequest" || cp.MsgSeq != 42 || cp.StageId != 1001 {
		t.Fatalf("header mismatch: %+v", cp)
	}
	if !bytes.Equal(cp.Body, body) {
		t.Fatalf("body = %q", cp.Body)
	}
}

func TestServerPacket_RoundTrip(t *testing.T) {
	w := packet.GetWriter()
	defer w.Put()
	body := []byte("state snapshot")
	if err := EncodeServer(w, packet.ServicePlay, "StateSync", 7, 55, packet.Success, body); err != nil {
		t.Fatalf("encode: %v", err)
	}

	sp, err := DecodeServer(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sp.MsgId != "StateSync" || sp.MsgSeq != 7 || sp.StageId != 55 || sp.ErrorCode != packet.Success {
		t.Fatalf("header mismatch: %+v", sp)
	}
	if !bytes.Equal(sp.Body, body) {
		t.Fatalf("body mismatch")
	}
}

func TestCompressPolicy_SmallBodyStaysRaw(t *testing.T) {
	body := bytes.Repeat([]byte("a"), CompressThreshold)
	if tryCompress(body) != nil {
		t.Fatal("bodies at the threshold must stay raw")
	}
}

func TestCompressPolicy_CompressibleBodyShrinks(t *testing.T) {
	body := bytes.Repeat([]byte("abcdefgh"), 1024) // 8KiB, highly repetitive
	c := tryCompress(body)
	if c == nil {
		t.Fatal("repetitive body must compress")
	}
	if len(c) >= len(body)*9/10 {
		t.Fatalf("kept compression saving <10%%: %d of %d", len(c), len(body))
	}

	// Round trip through the server codec keeps the body intact.
	w := packet.GetWriter()
	defer w.Put()
	if err := EncodeServer(w, packet.ServicePlay, "Blob", 0, 1, packet.Success, body); err != nil {
		t.Fatalf("encode: %v", err)
	}
	sp, err := DecodeServer(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(sp.Body, body) {
		t.Fatal("decompressed body mismatch")
	}
	if w.Len() >= len(body) {
		t.Fatal("wire form must be smaller than the raw body")
	}
}

func TestCompressPolicy_IncompressibleStaysRaw(t *testing.T) {
	body := make([]byte, 4096)
	if _, err := rand.Read(body); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if tryCompress(body) != nil {
		t.Fatal("random body must stay raw")
	}
}

func TestRoutePacket_RoundTrip(t *testing.T) {
	w := packet.GetWriter()
	defer w.Put()
	in := packet.NewRoute(packet.RouteHeader{
		MsgSeq:    999,
		ServiceId: packet.ServiceApi,
		MsgId:     "MatchFound",
		From:      "2:1",
		StageId:   77,
		AccountId: 123456,
		Sid:       9,
		ErrorCode: packet.StageNotFound,
		IsReply:   true,
		IsBase:    true,
	}, payload.Wrap([]byte("hello")))
	if err := EncodeRoute(w, in); err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := DecodeRoute(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Header != in.Header {
		t.Fatalf("header mismatch:\n got %+v\nwant %+v", out.Header, in.Header)
	}
	if !bytes.Equal(out.Data(), []byte("hello")) {
		t.Fatalf("payload = %q", out.Data())
	}
}

func TestFrameBuffer_SplitAcrossReads(t *testing.T) {
	body := []byte("abcdefgh")
	framed := Frame(body)

	fb := NewFrameBuffer(DefaultMaxPacketSize)
	for i := range framed {
		out, err := fb.Feed(framed[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		if i < len(framed)-1 && len(out) != 0 {
			t.Fatalf("early frame at byte %d", i)
		}
		if i == len(framed)-1 {
			if len(out) != 1 || !bytes.Equal(out[0], body) {
				t.Fatalf("final frame = %v", out)
			}
		}
	}
}

func TestFrameBuffer_MultipleFramesOneRead(t *testing.T) {
	data := append(Frame([]byte("one")), Frame([]byte("three"))...)
	fb := NewFrameBuffer(DefaultMaxPacketSize)
	out, err := fb.Feed(data)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(out) != 2 || string(out[0]) != "one" || string(out[1]) != "three" {
		t.Fatalf("frames = %q", out)
	}
	if fb.Pending() != 0 {
		t.Fatalf("pending = %d", fb.Pending())
	}
}

func TestFrameBuffer_OversizeRejected(t *testing.T) {
	fb := NewFrameBuffer(16)
	if _, err := fb.Feed(Frame(make([]byte, 17))); err == nil {
		t.Fatal("oversize frame must error")
	}
}

func TestFrameBuffer_ZeroLengthRejected(t *testing.T) {
	fb := NewFrameBuffer(16)
	if _, err := fb.Feed([]byte{0, 0, 0, 0}); err == nil {
		t.Fatal("zero-length frame must error")
	}
}
