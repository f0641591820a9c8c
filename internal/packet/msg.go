package packet

// Base message ids handled by the framework itself. The "@" prefix keeps
// them out of the user MsgId namespace.
const (
	MsgCreateStage      = "@CreateStage"
	MsgGetOrCreateStage = "@GetOrCreateStage"
	MsgCreateJoinStage  = "@CreateJoinStage"
	MsgJoinStage        = "@JoinStage"
	MsgCloseStage       = "@CloseStage"
	MsgDisconnectNotice = "@DisconnectNotice"
	MsgStageTimerTick   = "@StageTimerTick"
	MsgAsyncBlock       = "@AsyncBlock"
	MsgToClient         = "@ToClient"

	// MsgHeartbeat is answered at the session layer without touching stages.
	MsgHeartbeat = "_hb"
)

// IsBaseMsg reports whether id belongs to the framework namespace.
func IsBaseMsg(id string) bool {
	return len(id) > 0 && id[0] == '@'
}
