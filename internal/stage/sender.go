package stage

import (
	"time"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/service"
)

// StageSender is the capability surface handed to the user IStage. It
// inherits the cross-server send/request family and adds timers and the
// stage's own lifecycle.
type StageSender struct {
	*service.Sender
	rt *Runtime
}

// StageId returns the owning stage id.
func (s *StageSender) StageId() int64 { return s.rt.id }

// StageType returns the registered stage type name.
func (s *StageSender) StageType() string { return s.rt.stageType }

// AddRepeatTimer schedules fn every period after initialDelay, until
// cancelled. fn runs inside the stage worker.
func (s *StageSender) AddRepeatTimer(initialDelay, period time.Duration, fn func()) (int64, error) {
	return s.rt.svc.timers.AddRepeat(s.rt.id, initialDelay, period, fn)
}

// AddCountTimer schedules fn at most count times, then auto-cancels.
func (s *StageSender) AddCountTimer(initialDelay, period time.Duration, count int, fn func()) (int64, error) {
	return s.rt.svc.timers.AddCount(s.rt.id, initialDelay, period, count, fn)
}

// CancelTimer stops a timer. Cancelling an already-removed id is a no-op.
func (s *StageSender) CancelTimer(timerID int64) {
	s.rt.svc.timers.Cancel(timerID)
}

// CloseStage schedules the stage's close through its own intake, so
// in-flight packets ahead of it still dispatch. Idempotent.
func (s *StageSender) CloseStage() {
	rt := s.rt
	rt.Post(packet.NewLocal(MsgCloseStage, rt.id, rt.handleClose))
}
