package stage

import "github.com/udisondev/playhouse/internal/packet"

// Base message ids, re-exported for stage-side dispatch.
const (
	MsgCreateStage      = packet.MsgCreateStage
	MsgGetOrCreateStage = packet.MsgGetOrCreateStage
	MsgCreateJoinStage  = packet.MsgCreateJoinStage
	MsgJoinStage        = packet.MsgJoinStage
	MsgCloseStage       = packet.MsgCloseStage
	MsgDisconnectNotice = packet.MsgDisconnectNotice
	MsgStageTimerTick   = packet.MsgStageTimerTick
	MsgAsyncBlock       = packet.MsgAsyncBlock
	MsgToClient         = packet.MsgToClient
	MsgHeartbeat        = packet.MsgHeartbeat
)

const (
	// DefaultAuthenticateMsgId is the MsgId that triggers authentication
	// for the first message on a session. Configurable per server.
	DefaultAuthenticateMsgId = "AuthenticateRequest"
	// AuthenticateReplyMsgId is emitted to the client after a successful
	// OnAuthenticate.
	AuthenticateReplyMsgId = "AuthenticateReply"
)

// isBaseMsg reports whether id belongs to the framework namespace.
func isBaseMsg(id string) bool {
	return packet.IsBaseMsg(id)
}
