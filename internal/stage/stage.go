package stage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/udisondev/playhouse/internal/metrics"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
	"github.com/udisondev/playhouse/internal/service"
)

// State is the stage lifecycle phase.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

// Runtime hosts one stage: its serial event loop, actor roster, and the
// user IStage. Actors and roster are mutated only inside the worker.
type Runtime struct {
	id        int64
	stageType string
	svc       *Service

	loop   *eventLoop
	user   IStage
	core   *service.Sender
	sender *StageSender

	actors map[int64]*Actor // accountID → actor
	state  atomic.Int32
}

func newRuntime(svc *Service, reg Registration, stageID int64) *Runtime {
	r := &Runtime{
		id:        stageID,
		stageType: reg.StageType,
		svc:       svc,
		actors:    make(map[int64]*Actor),
	}
	r.loop = newEventLoop(r.dispatch)
	r.core = service.NewSender(svc.comm, svc.clientReply, func(fn func()) {
		r.Post(packet.NewLocal(MsgAsyncBlock, r.id, fn))
	})
	r.sender = &StageSender{Sender: r.core, rt: r}
	r.user = reg.NewStage(r.sender)
	metrics.ActiveStages.Inc()
	return r
}

// Id returns the stage id.
func (r *Runtime) Id() int64 { return r.id }

// StageType returns the registered type name.
func (r *Runtime) StageType() string { return r.stageType }

// State returns the lifecycle phase.
func (r *Runtime) State() State { return State(r.state.Load()) }

// ActorCount returns the roster size. Test/diagnostic use; the value is
// immediately stale outside the worker. A stage that closed before the
// counting closure ran reports 0: the worker drops local fns once
// closed, so the wait re-checks the state instead of blocking forever.
func (r *Runtime) ActorCount() int {
	if r.State() == StateClosed {
		return 0
	}
	done := make(chan int, 1)
	r.Post(packet.NewLocal(MsgAsyncBlock, r.id, func() {
		done <- len(r.actors)
	}))
	for {
		select {
		case n := <-done:
			return n
		case <-time.After(10 * time.Millisecond):
			if r.State() == StateClosed {
				return 0
			}
		}
	}
}

// Post enqueues a packet into the stage intake. Callable from any
// goroutine; ownership of the payload transfers to the loop.
func (r *Runtime) Post(p *packet.RoutePacket) {
	r.loop.Post(p)
}

// dispatch runs inside the single stage worker.
func (r *Runtime) dispatch(p *packet.RoutePacket) {
	defer p.Release()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.DispatchErrors.Inc()
			slog.Error("stage handler panic",
				"stage", r.id,
				"msg_id", p.Header.MsgId,
				"panic", rec)
			if p.IsRequest() {
				r.replyError(p.Header, packet.SystemError)
			}
		}
	}()

	if r.State() == StateClosed {
		// Late arrivals after close are consumed, requests get an answer.
		if p.IsRequest() {
			r.replyError(p.Header, packet.StageNotFound)
		}
		return
	}

	if fn := p.LocalFn(); fn != nil {
		fn()
		return
	}

	h := p.Header
	if h.IsBase || isBaseMsg(h.MsgId) {
		r.dispatchBase(p)
		return
	}

	ctx := context.Background()
	r.core.SetCurrentHeader(h)
	defer r.core.ClearCurrentHeader()

	if h.AccountId != 0 {
		if a, ok := r.actors[h.AccountId]; ok {
			r.user.OnDispatchActor(ctx, a, p.ToPacket())
			return
		}
	}
	r.user.OnDispatch(ctx, p.ToPacket())
}

// dispatchBase handles framework messages arriving over the mesh.
func (r *Runtime) dispatchBase(p *packet.RoutePacket) {
	h := p.Header
	switch h.MsgId {
	case MsgJoinStage:
		r.handleJoin(p, nil, "")
	case MsgCloseStage:
		r.handleClose()
		if h.MsgSeq != 0 {
			r.reply(h, packet.Success, packet.NewEmpty(MsgCloseStage))
		}
	case MsgDisconnectNotice:
		r.handleGraceExpired(h.AccountId, h.Sid)
	default:
		slog.Warn("unknown base message", "stage", r.id, "msg_id", h.MsgId)
		if p.IsRequest() {
			r.replyError(h, packet.SystemError)
		}
	}
}

// handleCreate runs the user OnCreate path. Reply body: IsCreated(1) then
// the user reply bytes.
func (r *Runtime) handleCreate(h packet.RouteHeader, createPayload payload.Payload, isCreated bool) {
	ctx := context.Background()

	if !isCreated {
		// GetOrCreate hit an existing stage: answer without user involvement.
		if h.MsgSeq != 0 {
			r.reply(h, packet.Success, createReplyPacket(h.MsgId, false, nil))
		}
		createPayload.Release()
		return
	}

	code, userReply := r.user.OnCreate(ctx, packet.New(h.MsgId, createPayload))
	if code != packet.Success {
		if h.MsgSeq != 0 {
			r.replyError(h, code)
		}
		r.svc.removeStage(r.id)
		r.state.Store(int32(StateClosed))
		metrics.ActiveStages.Dec()
		return
	}

	if h.MsgSeq != 0 {
		var body []byte
		if userReply != nil {
			body = userReply.Data()
		}
		r.reply(h, packet.Success, createReplyPacket(h.MsgId, true, body))
	}
	if userReply != nil {
		userReply.Release()
	}
	r.user.OnPostCreate(ctx)
}

// handleAuthenticate runs the first-packet authentication of a client
// session inside the stage worker. conn is the local transport session.
func (r *Runtime) handleAuthenticate(p *packet.RoutePacket, conn ClientConn) {
	ctx := context.Background()
	h := p.Header

	candidate := r.newActor(conn, h.Sid, r.svc.comm.Self())
	candidate.user.OnCreate()

	if !candidate.user.OnAuthenticate(ctx, p.ToPacket()) || candidate.accountID == 0 {
		slog.Info("authentication rejected", "stage", r.id, "sid", h.Sid)
		r.replyToConn(conn, h, packet.Unauthorized, nil)
		candidate.user.OnDestroy()
		conn.Close()
		return
	}
	accountID := candidate.accountID

	if existing, ok := r.actors[accountID]; ok {
		// Same account rejoining this stage: rebind the live actor. The
		// candidate was only needed to run authentication.
		candidate.user.OnDestroy()
		r.svc.cancelGrace(r.id, accountID)
		existing.rebind(conn, h.Sid, r.svc.comm.Self())
		r.svc.bindSession(h.Sid, accountID, r.id)
		r.user.OnConnectionChanged(existing, true)
		r.replyToConn(conn, h, packet.Success, authReplyBody(accountID, true))
		existing.user.OnPostAuthenticate(ctx)
		return
	}

	if !r.user.OnJoinStage(ctx, candidate) {
		r.replyToConn(conn, h, packet.JoinRejected, nil)
		candidate.user.OnDestroy()
		conn.Close()
		return
	}

	r.actors[accountID] = candidate
	r.svc.bindSession(h.Sid, accountID, r.id)
	r.replyToConn(conn, h, packet.Success, authReplyBody(accountID, false))
	r.user.OnPostJoinStage(ctx, candidate)
	candidate.user.OnPostAuthenticate(ctx)
}

// handleJoin admits a server-side join (api-driven). The actor has no
// local conn; pushes are forwarded through the session server named in
// the header.
func (r *Runtime) handleJoin(p *packet.RoutePacket, conn ClientConn, sessionNid packet.Nid) {
	ctx := context.Background()
	h := p.Header
	if sessionNid == "" {
		sessionNid = h.From
	}

	if existing, ok := r.actors[h.AccountId]; ok {
		r.svc.cancelGrace(r.id, h.AccountId)
		existing.rebind(conn, h.Sid, sessionNid)
		r.user.OnConnectionChanged(existing, true)
		if h.MsgSeq != 0 {
			r.reply(h, packet.Success, joinReplyPacket(true))
		}
		return
	}

	a := r.newActor(conn, h.Sid, sessionNid)
	a.accountID = h.AccountId
	a.user.OnCreate()

	if !r.user.OnJoinStage(ctx, a) {
		a.user.OnDestroy()
		if h.MsgSeq != 0 {
			r.replyError(h, packet.JoinRejected)
		}
		return
	}

	r.actors[h.AccountId] = a
	if h.MsgSeq != 0 {
		r.reply(h, packet.Success, joinReplyPacket(false))
	}
	r.user.OnPostJoinStage(ctx, a)
}

// handleDisconnect marks the actor disconnected; the grace timer decides
// whether it is removed later. A non-zero sid must still match the
// actor's current binding: the close of a connection the actor already
// rebound away from is stale and ignored.
func (r *Runtime) handleDisconnect(accountID, sid int64) {
	a, ok := r.actors[accountID]
	if !ok || (sid != 0 && a.sid != sid) {
		return
	}
	a.detach()
}

// handleGraceExpired removes the actor after its reconnect window passed.
// The same sid staleness rule as handleDisconnect applies.
func (r *Runtime) handleGraceExpired(accountID, sid int64) {
	a, ok := r.actors[accountID]
	if !ok || (sid != 0 && a.sid != sid) {
		return
	}
	a.connected = false
	r.user.OnConnectionChanged(a, false)
	r.removeActor(accountID, false)
}

// removeActor drops the actor from the roster. closeConn also tears the
// client link down (LeaveStage path).
func (r *Runtime) removeActor(accountID int64, closeConn bool) {
	a, ok := r.actors[accountID]
	if !ok {
		return
	}
	delete(r.actors, accountID)
	if closeConn && a.conn != nil {
		a.conn.Close()
	}
	r.svc.unbindSession(a.sid)
	a.user.OnDestroy()
}

// handleClose transitions the stage to Closed. Idempotent: repeated close
// messages are no-ops. Timers are cancelled before OnDestroy returns.
func (r *Runtime) handleClose() {
	if !r.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return
	}

	r.svc.timers.CancelStage(r.id)

	for accountID, a := range r.actors {
		delete(r.actors, accountID)
		if a.conn != nil {
			a.conn.Close()
		}
		r.svc.unbindSession(a.sid)
		a.user.OnDestroy()
	}

	r.user.OnDestroy()
	r.state.Store(int32(StateClosed))
	r.svc.removeStage(r.id)
	metrics.ActiveStages.Dec()
}

func (r *Runtime) newActor(conn ClientConn, sid int64, sessionNid packet.Nid) *Actor {
	a := &Actor{
		stage:      r,
		conn:       conn,
		sid:        sid,
		sessionNid: sessionNid,
		connected:  true,
	}
	a.sender = &ActorSender{Sender: r.core, actor: a}
	reg := r.svc.regs[r.stageType]
	a.user = reg.NewActor(a.sender)
	return a
}

// reply answers h through the sender (client session or mesh, depending
// on the header origin).
func (r *Runtime) reply(h packet.RouteHeader, code packet.ErrorCode, p *packet.Packet) {
	r.core.SetCurrentHeader(h)
	defer r.core.ClearCurrentHeader()
	var err error
	if code == packet.Success {
		err = r.core.Reply(p)
	} else {
		err = r.core.ReplyError(code)
	}
	if err != nil {
		slog.Warn("stage reply failed", "stage", r.id, "msg_id", h.MsgId, "error", err)
	}
}

func (r *Runtime) replyError(h packet.RouteHeader, code packet.ErrorCode) {
	if h.MsgSeq == 0 {
		return
	}
	r.reply(h, code, packet.NewEmpty(h.MsgId))
}

// replyToConn answers a client request directly on its transport session.
func (r *Runtime) replyToConn(conn ClientConn, h packet.RouteHeader, code packet.ErrorCode, body []byte) {
	if conn == nil {
		return
	}
	msgID := h.MsgId
	if code == packet.Success && msgID == r.svc.authMsgID {
		msgID = AuthenticateReplyMsgId
	}
	encoded, err := encodeToClient(msgID, h.MsgSeq, r.id, code, body)
	if err != nil {
		slog.Warn("client reply encode failed", "stage", r.id, "msg_id", msgID, "error", err)
		return
	}
	if err := conn.Send(encoded); err != nil {
		slog.Warn("client reply send failed", "stage", r.id, "sid", h.Sid, "error", err)
	}
}

// authReplyBody encodes AccountId(8 LE) IsReconnect(1).
func authReplyBody(accountID int64, isReconnect bool) []byte {
	w := packet.NewWriter(9)
	w.WriteInt64(accountID)
	if isReconnect {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return w.Bytes()
}

// createReplyPacket encodes IsCreated(1) then the user reply bytes.
func createReplyPacket(msgID string, isCreated bool, userBody []byte) *packet.Packet {
	w := packet.NewWriter(1 + len(userBody))
	if isCreated {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteBytes(userBody)
	return packet.New(msgID, payload.Wrap(w.Bytes()))
}

// joinReplyPacket encodes IsReconnect(1).
func joinReplyPacket(isReconnect bool) *packet.Packet {
	w := packet.NewWriter(1)
	if isReconnect {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return packet.New(MsgJoinStage, payload.Wrap(w.Bytes()))
}
