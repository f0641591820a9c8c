package stage

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/udisondev/playhouse/internal/codec"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
	"github.com/udisondev/playhouse/internal/service"
	"github.com/udisondev/playhouse/internal/session"
)

// Service is the Play-server core: it routes client frames and mesh
// packets into stage intakes, owns the stage pool and its timers, and
// tracks client sessions terminating here.
type Service struct {
	comm     *service.Communicator
	sessions *session.Manager
	timers   *TimerTable

	regs      map[string]Registration
	authMsgID string

	mu     sync.RWMutex
	stages map[int64]*Runtime
}

// NewService wires the play core. authMsgID="" uses the default
// authenticate message id.
func NewService(comm *service.Communicator, sessions *session.Manager, authMsgID string) *Service {
	if authMsgID == "" {
		authMsgID = DefaultAuthenticateMsgId
	}
	s := &Service{
		comm:      comm,
		sessions:  sessions,
		regs:      make(map[string]Registration),
		authMsgID: authMsgID,
		stages:    make(map[int64]*Runtime),
	}
	s.timers = NewTimerTable(s.postToStage)
	return s
}

// Register adds a stage type. Registering the same name twice is a
// bootstrap bug.
func (s *Service) Register(reg Registration) error {
	if reg.StageType == "" || reg.NewStage == nil || reg.NewActor == nil {
		return fmt.Errorf("registering stage type %q: incomplete registration", reg.StageType)
	}
	if _, ok := s.regs[reg.StageType]; ok {
		return fmt.Errorf("registering stage type %q: already registered", reg.StageType)
	}
	s.regs[reg.StageType] = reg
	return nil
}

// Timers exposes the shared timer table (stage senders schedule on it).
func (s *Service) Timers() *TimerTable { return s.timers }

// StageCount returns the number of live stages.
func (s *Service) StageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stages)
}

func (s *Service) getStage(stageID int64) (*Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.stages[stageID]
	return r, ok
}

// postToStage delivers a packet into a stage intake. False means the
// stage is gone (timers use this to self-cancel).
func (s *Service) postToStage(stageID int64, p *packet.RoutePacket) bool {
	r, ok := s.getStage(stageID)
	if !ok {
		p.Release()
		return false
	}
	r.Post(p)
	return true
}

// removeStage drops a closed stage from the pool.
func (s *Service) removeStage(stageID int64) {
	s.mu.Lock()
	delete(s.stages, stageID)
	s.mu.Unlock()
}

// CloseAll closes every stage (shutdown). Close runs inside each stage's
// own worker.
func (s *Service) CloseAll() {
	s.mu.RLock()
	rts := make([]*Runtime, 0, len(s.stages))
	for _, r := range s.stages {
		rts = append(rts, r)
	}
	s.mu.RUnlock()
	for _, r := range rts {
		rt := r
		rt.Post(packet.NewLocal(MsgCloseStage, rt.id, rt.handleClose))
	}
	s.sessions.CancelAll()
}

// ---- client side -----------------------------------------------------

// HandleClientConnect registers a freshly accepted connection.
func (s *Service) HandleClientConnect(conn session.Conn) {
	s.sessions.Add(conn)
	slog.Debug("client connected", "sid", conn.Sid())
}

// HandleClientMessage decodes one client frame body and routes it.
// A decode failure closes the connection.
func (s *Service) HandleClientMessage(conn session.Conn, body []byte) {
	cp, err := codec.DecodeClient(body)
	if err != nil {
		slog.Warn("client frame rejected", "sid", conn.Sid(), "error", err)
		conn.Close()
		return
	}

	if cp.MsgId == MsgHeartbeat {
		s.replyHeartbeat(conn)
		return
	}

	// The framework namespace is server-to-server only; a client writing
	// it is hostile or broken.
	if packet.IsBaseMsg(cp.MsgId) {
		slog.Warn("framework message over client link", "sid", conn.Sid(), "msg_id", cp.MsgId)
		s.sendClientError(conn, cp, packet.Unauthorized)
		conn.Close()
		return
	}

	sess, ok := s.sessions.Get(conn.Sid())
	if !ok {
		conn.Close()
		return
	}

	accountID, stageID, authed := sess.Binding()
	if !authed {
		s.authenticate(sess, cp)
		return
	}

	// Bound sessions always talk to their own stage regardless of the
	// StageId the client wrote.
	rp := cp.ToRoute(s.comm.Self(), accountID, conn.Sid())
	rp.Header.StageId = stageID
	if !s.postToStage(stageID, rp) {
		s.sendClientError(conn, cp, packet.StageNotFound)
	}
}

// authenticate handles the first message on a session: only the
// configured authenticate id is admitted, into the stage it names.
func (s *Service) authenticate(sess *session.Session, cp codec.ClientPacket) {
	if cp.MsgId != s.authMsgID {
		slog.Warn("message before authentication", "sid", sess.Sid(), "msg_id", cp.MsgId)
		s.sendClientError(sess.Conn(), cp, packet.Unauthorized)
		sess.Close()
		return
	}

	r, ok := s.getStage(cp.StageId)
	if !ok {
		s.sendClientError(sess.Conn(), cp, packet.StageNotFound)
		sess.Close()
		return
	}

	rp := cp.ToRoute(s.comm.Self(), 0, sess.Sid())
	conn := sess.Conn()
	r.Post(packet.NewLocal(cp.MsgId, r.id, func() {
		r.handleAuthenticate(rp, conn)
		rp.Release()
	}))
}

// HandleClientDisconnect detaches the actor (if bound) and arms the
// reconnect grace window.
func (s *Service) HandleClientDisconnect(conn session.Conn, err error) {
	sess := s.sessions.Remove(conn.Sid())
	if sess == nil {
		return
	}
	accountID, stageID, authed := sess.Binding()
	if !authed {
		return
	}
	sid := conn.Sid()
	slog.Debug("client disconnected", "sid", sid, "account", accountID, "error", err)

	// sid travels with the notice so the stale close of an already
	// rebound connection cannot detach or evict the live actor.
	s.postToStage(stageID, packet.NewLocal(MsgDisconnectNotice, stageID, func() {
		r, ok := s.getStage(stageID)
		if ok {
			r.handleDisconnect(accountID, sid)
		}
	}))
	s.sessions.StartGrace(stageID, accountID, func() {
		s.postToStage(stageID, packet.NewLocal(MsgDisconnectNotice, stageID, func() {
			r, ok := s.getStage(stageID)
			if ok {
				r.handleGraceExpired(accountID, sid)
			}
		}))
	})
}

// bindSession records the session→(account,stage) binding after a
// successful authenticate or rebind. Called from stage workers.
func (s *Service) bindSession(sid, accountID, stageID int64) {
	if sid == 0 {
		return
	}
	if sess, ok := s.sessions.Get(sid); ok {
		sess.Bind(accountID, stageID)
	}
}

// unbindSession is called when an actor leaves; the session, if still
// alive, loses its stage binding and must re-authenticate.
func (s *Service) unbindSession(sid int64) {
	if sid == 0 {
		return
	}
	s.sessions.Remove(sid)
}

func (s *Service) cancelGrace(stageID, accountID int64) {
	s.sessions.CancelGrace(stageID, accountID)
}

// clientReply writes a reply for an inbound client request back on its
// session. It is the Sender's local-session hook.
func (s *Service) clientReply(h packet.RouteHeader, code packet.ErrorCode, p *packet.Packet) error {
	sess, ok := s.sessions.Get(h.Sid)
	if !ok {
		p.Release()
		return fmt.Errorf("reply to sid %d: session gone", h.Sid)
	}
	body, err := encodeToClient(p.MsgId, h.MsgSeq, h.StageId, code, p.Data())
	p.Release()
	if err != nil {
		return err
	}
	return sess.Send(body)
}

func (s *Service) sendClientError(conn session.Conn, cp codec.ClientPacket, code packet.ErrorCode) {
	if cp.MsgSeq == 0 {
		return
	}
	body, err := encodeToClient(cp.MsgId, cp.MsgSeq, cp.StageId, code, nil)
	if err != nil {
		return
	}
	if err := conn.Send(body); err != nil {
		slog.Debug("client error send failed", "sid", conn.Sid(), "error", err)
	}
}

func (s *Service) replyHeartbeat(conn session.Conn) {
	body, err := encodeToClient(MsgHeartbeat, 0, 0, packet.Success, nil)
	if err != nil {
		return
	}
	if err := conn.Send(body); err != nil {
		slog.Debug("heartbeat send failed", "sid", conn.Sid(), "error", err)
	}
}

// ---- mesh side -------------------------------------------------------

// HandleMesh routes one inbound mesh packet: replies resolve the request
// cache, stage-management messages are handled here, everything else
// goes into a stage intake.
func (s *Service) HandleMesh(rp *packet.RoutePacket) {
	h := rp.Header

	if h.IsReply {
		if !s.comm.HandleReply(rp) {
			slog.Debug("orphan reply dropped", "msg_seq", h.MsgSeq, "msg_id", h.MsgId)
			rp.Release()
		}
		return
	}

	switch h.MsgId {
	case MsgCreateStage, MsgGetOrCreateStage, MsgCreateJoinStage:
		s.handleCreateRequest(rp)
		return
	case MsgToClient:
		s.handleToClient(rp)
		return
	}

	if !s.postToStage(h.StageId, rp) {
		if h.MsgId == MsgCloseStage {
			// Close is idempotent: an absent stage is already closed.
			s.replyErrorTo(h, packet.Success)
			return
		}
		s.replyNotFound(h)
	}
}

// handleCreateRequest services the stage-management family. Payload:
// StageType(string) CreatePayload(*).
func (s *Service) handleCreateRequest(rp *packet.RoutePacket) {
	h := rp.Header
	r := packet.NewReader(rp.Data())
	stageType, err := r.ReadString()
	if err != nil {
		slog.Warn("malformed create payload", "msg_id", h.MsgId, "error", err)
		s.replyErrorTo(h, packet.UncheckedContentsError)
		rp.Release()
		return
	}
	reg, ok := s.regs[stageType]
	if !ok {
		slog.Warn("unknown stage type", "stage_type", stageType, "stage", h.StageId)
		s.replyErrorTo(h, packet.UncheckedContentsError)
		rp.Release()
		return
	}
	createPayload := payload.Copy(r.Rest())
	rp.Release()

	s.mu.Lock()
	rt, exists := s.stages[h.StageId]
	if !exists {
		rt = newRuntime(s, reg, h.StageId)
		s.stages[h.StageId] = rt
	}
	s.mu.Unlock()

	switch h.MsgId {
	case MsgCreateStage:
		if exists {
			createPayload.Release()
			s.replyErrorTo(h, packet.SystemError)
			return
		}
		rt.Post(packet.NewLocal(h.MsgId, rt.id, func() {
			rt.handleCreate(h, createPayload, true)
		}))
	case MsgGetOrCreateStage:
		rt.Post(packet.NewLocal(h.MsgId, rt.id, func() {
			rt.handleCreate(h, createPayload, !exists)
		}))
	case MsgCreateJoinStage:
		rt.Post(packet.NewLocal(h.MsgId, rt.id, func() {
			if !exists {
				// Silent create: the caller's reply comes from the join.
				rt.handleCreate(packet.RouteHeader{MsgId: h.MsgId, StageId: h.StageId}, createPayload, true)
			} else {
				createPayload.Release()
			}
			if rt.State() != StateActive {
				s.replyErrorTo(h, packet.StageNotFound)
				return
			}
			joinRp := packet.NewRoute(h, payload.Empty())
			rt.handleJoin(joinRp, nil, h.From)
			joinRp.Release()
		}))
	}
}

// handleToClient forwards a pre-encoded client push from a remote stage
// to the session it names.
func (s *Service) handleToClient(rp *packet.RoutePacket) {
	defer rp.Release()
	sess, ok := s.sessions.Get(rp.Header.Sid)
	if !ok {
		slog.Debug("client push for dead session", "sid", rp.Header.Sid)
		return
	}
	body := make([]byte, len(rp.Data()))
	copy(body, rp.Data())
	if err := sess.Send(body); err != nil {
		slog.Debug("forwarded push failed", "sid", rp.Header.Sid, "error", err)
	}
}

// forwardToClient ships an encoded client body to the session server
// owning sid (or straight to the local session).
func (s *Service) forwardToClient(nid packet.Nid, sid int64, encoded []byte) {
	if nid == s.comm.Self() {
		if sess, ok := s.sessions.Get(sid); ok {
			if err := sess.Send(encoded); err != nil {
				slog.Debug("local push failed", "sid", sid, "error", err)
			}
		}
		return
	}
	s.comm.Forward(nid, packet.RouteHeader{
		ServiceId: packet.ServicePlay,
		StageId:   0,
		Sid:       sid,
		IsBase:    true,
	}, packet.New(MsgToClient, payload.Copy(encoded)))
}

func (s *Service) replyNotFound(h packet.RouteHeader) {
	s.replyErrorTo(h, packet.StageNotFound)
}

// replyErrorTo answers a mesh request with an error code. Fire-and-forget
// inbound packets get nothing.
func (s *Service) replyErrorTo(h packet.RouteHeader, code packet.ErrorCode) {
	if h.MsgSeq == 0 || h.From == "" {
		return
	}
	s.comm.Forward(h.From, packet.RouteHeader{
		MsgSeq:    h.MsgSeq,
		ServiceId: h.ServiceId,
		StageId:   h.StageId,
		ErrorCode: code,
		IsReply:   true,
	}, packet.NewEmpty(h.MsgId))
}
