package reqcache

import (
	"testing"
	"time"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
)

func reply(seq uint16, code packet.ErrorCode) *packet.RoutePacket {
	return packet.NewRoute(packet.RouteHeader{
		MsgSeq:    seq,
		MsgId:     "Echo",
		ErrorCode: code,
		IsReply:   true,
	}, payload.Empty())
}

func TestNextSeq_NeverZero(t *testing.T) {
	for i := 0; i < 70000; i++ {
		if NextSeq() == 0 {
			t.Fatal("NextSeq produced 0")
		}
	}
}

func TestCache_CompletesExactlyOnce(t *testing.T) {
	c := New()
	p := c.Register(10, time.Minute)

	if !c.TryComplete(reply(10, packet.Success)) {
		t.Fatal("first completion must succeed")
	}
	if c.TryComplete(reply(10, packet.Success)) {
		t.Fatal("duplicate completion must be ignored")
	}

	r := p.Wait()
	if r.Code != packet.Success {
		t.Fatalf("code = %v", r.Code)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestCache_UnknownSeqIgnored(t *testing.T) {
	c := New()
	if c.TryComplete(reply(999, packet.Success)) {
		t.Fatal("unknown seq must report false")
	}
}

func TestCache_TimeoutResolves(t *testing.T) {
	c := New()
	p := c.Register(11, 30*time.Millisecond)

	start := time.Now()
	r := p.Wait()
	elapsed := time.Since(start)

	if r.Code != packet.RequestTimeout {
		t.Fatalf("code = %v, want RequestTimeout", r.Code)
	}
	if elapsed < 25*time.Millisecond {
		t.Fatalf("resolved too early: %v", elapsed)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d after timeout", c.Len())
	}

	// A reply racing after the timeout is ignored.
	if c.TryComplete(reply(11, packet.Success)) {
		t.Fatal("late reply must be ignored")
	}
}

func TestCache_ReplyBeatsTimeout(t *testing.T) {
	c := New()
	p := c.Register(12, 200*time.Millisecond)
	c.TryComplete(reply(12, packet.Success))

	r := p.Wait()
	if r.Code != packet.Success {
		t.Fatalf("code = %v", r.Code)
	}
	// Let the stopped timer window pass; nothing else may resolve.
	time.Sleep(250 * time.Millisecond)
	select {
	case <-p.Ch():
		t.Fatal("second resolution observed")
	default:
	}
}

func TestCache_CancelAll(t *testing.T) {
	c := New()
	p1 := c.Register(21, time.Minute)
	p2 := c.Register(22, time.Minute)

	c.CancelAll(packet.ShutdownCancel)

	if r := p1.Wait(); r.Code != packet.ShutdownCancel {
		t.Fatalf("p1 code = %v", r.Code)
	}
	if r := p2.Wait(); r.Code != packet.ShutdownCancel {
		t.Fatalf("p2 code = %v", r.Code)
	}

	// A closed cache resolves new registrations immediately.
	p3 := c.Register(23, time.Minute)
	if r := p3.Wait(); r.Code != packet.ShutdownCancel {
		t.Fatalf("p3 code = %v", r.Code)
	}
}

func TestCache_ErrorCodePropagates(t *testing.T) {
	c := New()
	p := c.Register(31, time.Minute)
	c.TryComplete(reply(31, packet.StageNotFound))
	if r := p.Wait(); r.Code != packet.StageNotFound {
		t.Fatalf("code = %v", r.Code)
	}
}
