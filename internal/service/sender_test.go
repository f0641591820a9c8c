package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/udisondev/playhouse/internal/mesh"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/reqcache"
)

type fixedDir struct {
	nids []packet.Nid
}

func (d fixedDir) ServiceNids(service packet.ServiceId) []packet.Nid {
	return d.nids
}

func newTestSender(dir Directory) *Sender {
	self := packet.NewNid(packet.ServicePlay, 1)
	bus := mesh.NewBus(self, mesh.Options{}, nil)
	comm := NewCommunicator(self, bus, reqcache.New(), dir, time.Second)
	return NewSender(comm, nil, nil)
}

func TestReply_WithoutHeader(t *testing.T) {
	s := newTestSender(nil)
	if err := s.Reply(packet.NewEmpty("Pong")); !errors.Is(err, ErrNoHeader) {
		t.Fatalf("err = %v, want ErrNoHeader", err)
	}
}

func TestReply_FireAndForgetHeader(t *testing.T) {
	s := newTestSender(nil)
	s.SetCurrentHeader(packet.RouteHeader{MsgId: "Ping", From: "2:1"}) // MsgSeq 0
	defer s.ClearCurrentHeader()
	if err := s.Reply(packet.NewEmpty("Pong")); !errors.Is(err, ErrNoHeader) {
		t.Fatalf("err = %v, want ErrNoHeader", err)
	}
}

func TestReply_LocalSessionHook(t *testing.T) {
	var gotCode packet.ErrorCode
	var gotSeq uint16
	self := packet.NewNid(packet.ServicePlay, 1)
	bus := mesh.NewBus(self, mesh.Options{}, nil)
	comm := NewCommunicator(self, bus, reqcache.New(), nil, time.Second)
	s := NewSender(comm, func(h packet.RouteHeader, code packet.ErrorCode, p *packet.Packet) error {
		gotSeq = h.MsgSeq
		gotCode = code
		p.Release()
		return nil
	}, nil)

	s.SetCurrentHeader(packet.RouteHeader{MsgId: "Ping", MsgSeq: 9, Sid: 4, From: "1:1"})
	if err := s.ReplyError(packet.StageFull); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if gotSeq != 9 || gotCode != packet.StageFull {
		t.Fatalf("hook saw seq=%d code=%v", gotSeq, gotCode)
	}
}

func TestRequest_UnreachablePeerResolvesFast(t *testing.T) {
	s := newTestSender(nil)
	start := time.Now()
	_, err := s.RequestToStage(context.Background(), "1:9", 55, packet.NewEmpty("Query"))
	if err == nil {
		t.Fatal("request to unknown peer must fail")
	}
	var re *RequestError
	if !errors.As(err, &re) || re.Code != packet.UnreachablePeer {
		t.Fatalf("err = %v, want UnreachablePeer", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("unreachable peer must resolve without waiting the deadline out")
	}
}

func TestPick_Policies(t *testing.T) {
	dir := fixedDir{nids: []packet.Nid{"2:1", "2:2", "2:3"}}
	s := newTestSender(dir)

	// RoundRobin walks all nodes.
	seen := make(map[packet.Nid]bool)
	for i := 0; i < 6; i++ {
		nid, err := s.pick(packet.ServiceApi, RoundRobin, 0)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		seen[nid] = true
	}
	if len(seen) != 3 {
		t.Fatalf("round robin hit %d of 3 nodes", len(seen))
	}

	// Consistent pins one account to one node.
	first, err := s.pick(packet.ServiceApi, Consistent, 123456)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	for i := 0; i < 10; i++ {
		nid, err := s.pick(packet.ServiceApi, Consistent, 123456)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if nid != first {
			t.Fatalf("consistent pick moved: %s → %s", first, nid)
		}
	}

	// Random stays within the set.
	for i := 0; i < 10; i++ {
		nid, err := s.pick(packet.ServiceApi, Random, 0)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if !seen[nid] {
			t.Fatalf("random pick outside set: %s", nid)
		}
	}
}

func TestPick_NoNodes(t *testing.T) {
	s := newTestSender(fixedDir{})
	_, err := s.pick(packet.ServiceApi, RoundRobin, 0)
	var re *RequestError
	if !errors.As(err, &re) || re.Code != packet.UnreachablePeer {
		t.Fatalf("err = %v, want UnreachablePeer", err)
	}
}

func TestRequestCallback_Resolves(t *testing.T) {
	s := newTestSender(nil)
	done := make(chan reqcache.Reply, 1)
	s.RequestToStageCallback("1:9", 55, packet.NewEmpty("Query"), func(r reqcache.Reply) {
		done <- r
	})
	select {
	case r := <-done:
		if r.Code != packet.UnreachablePeer {
			t.Fatalf("code = %v", r.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}
