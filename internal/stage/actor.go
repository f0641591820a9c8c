package stage

import (
	"fmt"

	"github.com/udisondev/playhouse/internal/codec"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/service"
)

// Actor is a player's server-side surface: one per authenticated client,
// bound to exactly one stage. All fields are touched only from the owning
// stage's worker context.
type Actor struct {
	user   IActor
	sender *ActorSender
	stage  *Runtime

	accountID int64
	connected bool

	// conn is set when the client session terminates on this server;
	// otherwise sid+sessionNid name the remote session for forwarding.
	conn       ClientConn
	sid        int64
	sessionNid packet.Nid
}

// AccountId returns the authenticated account id (0 before auth).
func (a *Actor) AccountId() int64 { return a.accountID }

// Connected reports whether the client link is currently live.
func (a *Actor) Connected() bool { return a.connected }

// Sid returns the bound session id (0 for server-side actors).
func (a *Actor) Sid() int64 { return a.sid }

// Sender returns the actor-scoped sender.
func (a *Actor) Sender() *ActorSender { return a.sender }

// User returns the user-supplied actor logic.
func (a *Actor) User() IActor { return a.user }

// rebind points the actor at a new client session (reconnect).
// The stale connection, if any, is closed.
func (a *Actor) rebind(conn ClientConn, sid int64, sessionNid packet.Nid) {
	if a.conn != nil && a.conn != conn {
		a.conn.Close()
	}
	a.conn = conn
	a.sid = sid
	a.sessionNid = sessionNid
	a.connected = true
}

// detach drops the client link without removing the actor from the stage
// (disconnect grace).
func (a *Actor) detach() {
	a.conn = nil
	a.connected = false
}

// ActorSender adds the client-facing capabilities to the shared sender.
type ActorSender struct {
	*service.Sender
	actor *Actor
}

// SetAccountId records the authenticated account. Must be called from
// OnAuthenticate before returning true; it is set once.
func (s *ActorSender) SetAccountId(accountID int64) {
	if s.actor.accountID == 0 {
		s.actor.accountID = accountID
	}
}

// AccountId returns the authenticated account id.
func (s *ActorSender) AccountId() int64 { return s.actor.accountID }

// StageId returns the owning stage id.
func (s *ActorSender) StageId() int64 { return s.actor.stage.id }

// SendToClient pushes a packet to this actor's client. Local sessions are
// written directly; sessions hosted on another server are forwarded
// through it via the mesh.
func (s *ActorSender) SendToClient(p *packet.Packet) error {
	a := s.actor
	if !a.connected {
		return fmt.Errorf("send to client %d: not connected", a.accountID)
	}

	body, err := encodeToClient(p.MsgId, 0, a.stage.id, packet.Success, p.Data())
	p.Release()
	if err != nil {
		return err
	}

	if a.conn != nil {
		return a.conn.Send(body)
	}
	if a.sid != 0 && a.sessionNid != "" {
		s.SendToSystemRaw(a.sessionNid, a.sid, body)
		return nil
	}
	return fmt.Errorf("send to client %d: no session", a.accountID)
}

// SendToSystemRaw forwards an already-encoded client packet to the session
// server owning sid.
func (s *ActorSender) SendToSystemRaw(nid packet.Nid, sid int64, encoded []byte) {
	s.actor.stage.svc.forwardToClient(nid, sid, encoded)
}

// LeaveStage schedules removal of this actor from its stage and closes the
// client binding.
func (s *ActorSender) LeaveStage() {
	a := s.actor
	st := a.stage
	st.Post(packet.NewLocal(MsgDisconnectNotice, st.id, func() {
		st.removeActor(a.accountID, true)
	}))
}

// encodeToClient builds the server-to-client wire body (unframed).
func encodeToClient(msgID string, msgSeq uint16, stageID int64, code packet.ErrorCode, body []byte) ([]byte, error) {
	w := packet.GetWriter()
	defer w.Put()
	if err := codec.EncodeServer(w, packet.ServicePlay, msgID, msgSeq, stageID, code, body); err != nil {
		return nil, fmt.Errorf("encoding client push %q: %w", msgID, err)
	}
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out, nil
}
