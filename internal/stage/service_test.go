package stage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/udisondev/playhouse/internal/codec"
	"github.com/udisondev/playhouse/internal/mesh"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
	"github.com/udisondev/playhouse/internal/reqcache"
	"github.com/udisondev/playhouse/internal/service"
	"github.com/udisondev/playhouse/internal/session"
)

// fakeConn records everything the server pushes to the client.
type fakeConn struct {
	sid int64

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Sid() int64 { return c.sid }

func (c *fakeConn) Send(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("conn closed")
	}
	c.sent = append(c.sent, body)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) lastSent(t *testing.T) codec.ServerPacket {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing sent to client")
	}
	sp, err := codec.DecodeServer(c.sent[len(c.sent)-1])
	if err != nil {
		t.Fatalf("decoding client push: %v", err)
	}
	return sp
}

// testStage records lifecycle callbacks under a mutex.
type testStage struct {
	s *StageSender

	mu          sync.Mutex
	created     bool
	destroyed   int
	joins       []int64
	connChanges []bool
	dispatched  []string
	asyncVal    int
}

func (ts *testStage) OnCreate(ctx context.Context, p *packet.Packet) (packet.ErrorCode, *packet.Packet) {
	ts.mu.Lock()
	ts.created = true
	ts.mu.Unlock()
	return packet.Success, packet.New(p.MsgId, payload.Copy(p.Data()))
}

func (ts *testStage) OnPostCreate(ctx context.Context) {}

func (ts *testStage) OnDestroy() {
	ts.mu.Lock()
	ts.destroyed++
	ts.mu.Unlock()
}

func (ts *testStage) OnJoinStage(ctx context.Context, a *Actor) bool {
	ts.mu.Lock()
	ts.joins = append(ts.joins, a.AccountId())
	ts.mu.Unlock()
	return true
}

func (ts *testStage) OnPostJoinStage(ctx context.Context, a *Actor) {}

func (ts *testStage) OnConnectionChanged(a *Actor, connected bool) {
	ts.mu.Lock()
	ts.connChanges = append(ts.connChanges, connected)
	ts.mu.Unlock()
}

func (ts *testStage) OnDispatchActor(ctx context.Context, a *Actor, p *packet.Packet) {
	ts.mu.Lock()
	ts.dispatched = append(ts.dispatched, p.MsgId)
	ts.mu.Unlock()
	switch p.MsgId {
	case "Echo":
		a.Sender().SendToClient(packet.New("EchoPush", payload.Copy(p.Data())))
	case "Boom":
		panic("boom")
	case "Leave":
		a.Sender().LeaveStage()
	}
}

func (ts *testStage) OnDispatch(ctx context.Context, p *packet.Packet) {
	ts.mu.Lock()
	ts.dispatched = append(ts.dispatched, p.MsgId)
	ts.mu.Unlock()
	if p.MsgId == "Async" {
		AsyncIO(ts.s, func() (int, error) {
			return 7, nil
		}, func(result int, err error) {
			ts.mu.Lock()
			ts.asyncVal = result
			ts.mu.Unlock()
		})
	}
}

type testActor struct {
	s *ActorSender
}

func (ta *testActor) OnCreate()  {}
func (ta *testActor) OnDestroy() {}

func (ta *testActor) OnAuthenticate(ctx context.Context, p *packet.Packet) bool {
	r := packet.NewReader(p.Data())
	accountID, err := r.ReadInt64()
	if err != nil || accountID == 0 {
		return false
	}
	ta.s.SetAccountId(accountID)
	return true
}

func (ta *testActor) OnPostAuthenticate(ctx context.Context) {}

type testEnv struct {
	svc   *Service
	last  *testStage
	self  packet.Nid
	stamu sync.Mutex
}

func newTestEnv(t *testing.T, grace time.Duration) *testEnv {
	t.Helper()
	env := &testEnv{self: packet.NewNid(packet.ServicePlay, 1)}
	bus := mesh.NewBus(env.self, mesh.Options{}, func(rp *packet.RoutePacket) { rp.Release() })
	comm := service.NewCommunicator(env.self, bus, reqcache.New(), nil, time.Second)
	env.svc = NewService(comm, session.NewManager(grace), "")

	err := env.svc.Register(Registration{
		StageType: "room",
		NewStage: func(s *StageSender) IStage {
			ts := &testStage{s: s}
			env.stamu.Lock()
			env.last = ts
			env.stamu.Unlock()
			return ts
		},
		NewActor: func(a *ActorSender) IActor { return &testActor{s: a} },
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return env
}

func (env *testEnv) stage() *testStage {
	env.stamu.Lock()
	defer env.stamu.Unlock()
	return env.last
}

// createStage drives the fire-and-forget create path.
func (env *testEnv) createStage(t *testing.T, stageID int64) {
	t.Helper()
	w := packet.NewWriter(16)
	if err := w.WriteString("room"); err != nil {
		t.Fatal(err)
	}
	w.WriteBytes([]byte("init"))
	env.svc.HandleMesh(packet.NewRoute(packet.RouteHeader{
		MsgId:   packet.MsgCreateStage,
		From:    "2:1",
		StageId: stageID,
		IsBase:  true,
	}, payload.Copy(w.Bytes())))

	waitFor(t, func() bool {
		ts := env.stage()
		if ts == nil {
			return false
		}
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return ts.created
	}, "stage create")
}

// authenticate runs the client first-packet flow for accountID.
func (env *testEnv) authenticate(t *testing.T, conn *fakeConn, stageID, accountID int64) codec.ServerPacket {
	t.Helper()
	env.svc.HandleClientConnect(conn)

	body := packet.NewWriter(8)
	body.WriteInt64(accountID)
	frame := packet.NewWriter(32)
	if err := codec.EncodeClient(frame, packet.ServicePlay, DefaultAuthenticateMsgId, 1, stageID, body.Bytes()); err != nil {
		t.Fatal(err)
	}
	before := conn.sentCount()
	env.svc.HandleClientMessage(conn, frame.Bytes())

	waitFor(t, func() bool { return conn.sentCount() > before }, "auth reply")
	return conn.lastSent(t)
}

func (env *testEnv) sendClient(t *testing.T, conn *fakeConn, msgID string, body []byte) {
	t.Helper()
	frame := packet.NewWriter(32)
	if err := codec.EncodeClient(frame, packet.ServicePlay, msgID, 0, 0, body); err != nil {
		t.Fatal(err)
	}
	env.svc.HandleClientMessage(conn, frame.Bytes())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func decodeAuthReply(t *testing.T, sp codec.ServerPacket) (accountID int64, isReconnect bool) {
	t.Helper()
	if sp.MsgId != AuthenticateReplyMsgId {
		t.Fatalf("reply msg id = %q", sp.MsgId)
	}
	if sp.ErrorCode != packet.Success {
		t.Fatalf("reply code = %v", sp.ErrorCode)
	}
	r := packet.NewReader(sp.Body)
	accountID, err := r.ReadInt64()
	if err != nil {
		t.Fatalf("reply body: %v", err)
	}
	b, err := r.ReadByte()
	if err != nil {
		t.Fatalf("reply body: %v", err)
	}
	return accountID, b != 0
}

func TestService_AuthenticateAndDispatch(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	conn := &fakeConn{sid: 11}
	accountID, isReconnect := decodeAuthReply(t, env.authenticate(t, conn, 100, 777))
	if accountID != 777 || isReconnect {
		t.Fatalf("auth reply = (%d, %v)", accountID, isReconnect)
	}

	env.sendClient(t, conn, "Echo", []byte("ping"))
	waitFor(t, func() bool { return conn.sentCount() >= 2 }, "echo push")
	sp := conn.lastSent(t)
	if sp.MsgId != "EchoPush" || string(sp.Body) != "ping" {
		t.Fatalf("push = %q %q", sp.MsgId, sp.Body)
	}
}

func TestService_RejectedAuthClosesConn(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	conn := &fakeConn{sid: 12}
	sp := env.authenticate(t, conn, 100, 0) // account 0 → reject
	if sp.ErrorCode != packet.Unauthorized {
		t.Fatalf("code = %v, want Unauthorized", sp.ErrorCode)
	}
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, "conn close")
}

func TestService_AuthUnknownStage(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	conn := &fakeConn{sid: 13}
	sp := env.authenticate(t, conn, 999, 777)
	if sp.ErrorCode != packet.StageNotFound {
		t.Fatalf("code = %v, want StageNotFound", sp.ErrorCode)
	}
}

func TestService_PanicInHandlerKeepsStageAlive(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	conn := &fakeConn{sid: 14}
	env.authenticate(t, conn, 100, 777)

	env.sendClient(t, conn, "Boom", nil)
	env.sendClient(t, conn, "Echo", []byte("alive"))
	waitFor(t, func() bool { return conn.sentCount() >= 2 }, "echo after panic")
	sp := conn.lastSent(t)
	if sp.MsgId != "EchoPush" || string(sp.Body) != "alive" {
		t.Fatalf("push after panic = %q %q", sp.MsgId, sp.Body)
	}
}

func TestService_ReconnectWithinGrace(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	conn1 := &fakeConn{sid: 21}
	env.authenticate(t, conn1, 100, 555)
	env.svc.HandleClientDisconnect(conn1, nil)

	conn2 := &fakeConn{sid: 22}
	accountID, isReconnect := decodeAuthReply(t, env.authenticate(t, conn2, 100, 555))
	if accountID != 555 || !isReconnect {
		t.Fatalf("reconnect reply = (%d, %v)", accountID, isReconnect)
	}

	ts := env.stage()
	waitFor(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.connChanges) >= 1 && ts.connChanges[len(ts.connChanges)-1]
	}, "OnConnectionChanged(true)")

	// The roster did not grow: still one join for this account.
	ts.mu.Lock()
	joins := len(ts.joins)
	ts.mu.Unlock()
	if joins != 1 {
		t.Fatalf("joins = %d, want 1", joins)
	}

	// Pushes reach the new connection.
	env.sendClient(t, conn2, "Echo", []byte("back"))
	waitFor(t, func() bool { return conn2.sentCount() >= 2 }, "push after reconnect")
}

func TestService_ClientCannotSendFrameworkMessages(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	conn := &fakeConn{sid: 24}
	env.authenticate(t, conn, 100, 555)

	env.sendClient(t, conn, packet.MsgCloseStage, nil)
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, "conn close")
	sp := conn.lastSent(t)
	if sp.ErrorCode != packet.Unauthorized {
		t.Fatalf("code = %v, want Unauthorized", sp.ErrorCode)
	}

	// The stage itself is untouched.
	if env.svc.StageCount() != 1 {
		t.Fatalf("stage count = %d, want 1", env.svc.StageCount())
	}
	r, ok := env.svc.getStage(100)
	if !ok || r.State() != StateActive {
		t.Fatal("stage no longer active")
	}
	if n := r.ActorCount(); n != 1 {
		t.Fatalf("actor count = %d, want 1", n)
	}
}

func TestService_StaleDisconnectAfterReconnect(t *testing.T) {
	env := newTestEnv(t, 40*time.Millisecond)
	env.createStage(t, 100)

	conn1 := &fakeConn{sid: 25}
	env.authenticate(t, conn1, 100, 555)

	// Reconnect while the first connection is still registered; the
	// rebind closes it and the transport reports that close afterwards.
	conn2 := &fakeConn{sid: 26}
	_, isReconnect := decodeAuthReply(t, env.authenticate(t, conn2, 100, 555))
	if !isReconnect {
		t.Fatal("expected reconnect reply")
	}
	env.svc.HandleClientDisconnect(conn1, nil)

	// Past the grace window the rebound actor must still be there.
	time.Sleep(120 * time.Millisecond)
	r, ok := env.svc.getStage(100)
	if !ok {
		t.Fatal("stage gone")
	}
	if n := r.ActorCount(); n != 1 {
		t.Fatalf("actor count = %d, want 1", n)
	}
	env.sendClient(t, conn2, "Echo", []byte("still here"))
	waitFor(t, func() bool { return conn2.sentCount() >= 2 }, "push after stale disconnect")
}

func TestService_GraceExpiryRemovesActor(t *testing.T) {
	env := newTestEnv(t, 40*time.Millisecond)
	env.createStage(t, 100)

	conn := &fakeConn{sid: 31}
	env.authenticate(t, conn, 100, 555)
	env.svc.HandleClientDisconnect(conn, nil)

	ts := env.stage()
	waitFor(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.connChanges) >= 1 && !ts.connChanges[0]
	}, "OnConnectionChanged(false)")

	r, ok := env.svc.getStage(100)
	if !ok {
		t.Fatal("stage gone")
	}
	waitFor(t, func() bool { return r.ActorCount() == 0 }, "actor removal")
}

func TestService_LeaveStage(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	conn := &fakeConn{sid: 41}
	env.authenticate(t, conn, 100, 555)

	env.sendClient(t, conn, "Leave", nil)
	r, _ := env.svc.getStage(100)
	waitFor(t, func() bool { return r.ActorCount() == 0 }, "leave")
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, "conn close on leave")
}

func TestService_AsyncIOContinuationOnWorker(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	env.svc.HandleMesh(packet.NewRoute(packet.RouteHeader{
		MsgId:   "Async",
		From:    "2:1",
		StageId: 100,
	}, payload.Empty()))

	ts := env.stage()
	waitFor(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return ts.asyncVal == 7
	}, "async continuation")
}

func TestService_CloseStageIdempotent(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	conn := &fakeConn{sid: 51}
	env.authenticate(t, conn, 100, 555)

	r, _ := env.svc.getStage(100)
	r.sender.CloseStage()
	r.sender.CloseStage()

	waitFor(t, func() bool { return env.svc.StageCount() == 0 }, "stage close")
	ts := env.stage()
	ts.mu.Lock()
	destroyed := ts.destroyed
	ts.mu.Unlock()
	if destroyed != 1 {
		t.Fatalf("OnDestroy ran %d times", destroyed)
	}
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, "conn close on stage close")
}

func TestService_ActorCountReturnsWhileClosing(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)
	r, _ := env.svc.getStage(100)

	// A count racing the close must return, not block on a dropped
	// closure.
	go r.sender.CloseStage()
	done := make(chan int, 1)
	go func() { done <- r.ActorCount() }()
	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("actor count = %d, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ActorCount blocked during close")
	}
}

func TestService_GetOrCreateReuses(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)
	first := env.stage()

	// GetOrCreate for the same id must not build a second stage.
	w := packet.NewWriter(16)
	if err := w.WriteString("room"); err != nil {
		t.Fatal(err)
	}
	env.svc.HandleMesh(packet.NewRoute(packet.RouteHeader{
		MsgId:   packet.MsgGetOrCreateStage,
		From:    "2:1",
		StageId: 100,
		IsBase:  true,
	}, payload.Copy(w.Bytes())))

	time.Sleep(50 * time.Millisecond)
	if env.svc.StageCount() != 1 {
		t.Fatalf("stage count = %d", env.svc.StageCount())
	}
	if env.stage() != first {
		t.Fatal("a second stage instance was built")
	}
}

func TestService_TimerTicksRunOnStage(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.createStage(t, 100)

	r, _ := env.svc.getStage(100)
	var fired sync.WaitGroup
	fired.Add(3)
	if _, err := r.sender.AddCountTimer(0, 15*time.Millisecond, 3, func() {
		fired.Done()
	}); err != nil {
		t.Fatalf("AddCountTimer: %v", err)
	}

	done := make(chan struct{})
	go func() { fired.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("count timer did not complete")
	}
	waitFor(t, func() bool { return env.svc.Timers().Len() == 0 }, "timer cleanup")
}
