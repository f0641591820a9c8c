package stage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/playhouse/internal/packet"
)

// MinTimerInterval is the smallest accepted timer period.
const MinTimerInterval = 10 * time.Millisecond

// TimerTable schedules Repeat and Count timers for all stages of one play
// service. A tick never runs user code directly: it posts a StageTimerTick
// packet carrying the callback into the owning stage's intake, so the
// callback executes inside the stage's serial context.
type TimerTable struct {
	nextID atomic.Int64

	mu     sync.Mutex
	timers map[int64]*timerEntry

	// post delivers a tick packet to a stage; returns false when the
	// stage is gone (the timer self-cancels).
	post func(stageID int64, p *packet.RoutePacket) bool
}

type timerEntry struct {
	id      int64
	stageID int64
	stop    chan struct{}
	once    sync.Once
}

func (e *timerEntry) cancel() {
	e.once.Do(func() { close(e.stop) })
}

// NewTimerTable creates a table posting ticks through post.
func NewTimerTable(post func(stageID int64, p *packet.RoutePacket) bool) *TimerTable {
	return &TimerTable{
		timers: make(map[int64]*timerEntry),
		post:   post,
	}
}

// AddRepeat registers a timer firing every period after initialDelay
// until cancelled. Returns the timer id.
func (t *TimerTable) AddRepeat(stageID int64, initialDelay, period time.Duration, fn func()) (int64, error) {
	return t.add(stageID, initialDelay, period, 0, fn)
}

// AddCount registers a timer firing at most count times, then
// auto-cancelling.
func (t *TimerTable) AddCount(stageID int64, initialDelay, period time.Duration, count int, fn func()) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("count timer: count %d must be positive", count)
	}
	return t.add(stageID, initialDelay, period, count, fn)
}

func (t *TimerTable) add(stageID int64, initialDelay, period time.Duration, count int, fn func()) (int64, error) {
	if period < MinTimerInterval {
		return 0, fmt.Errorf("timer period %v below minimum %v", period, MinTimerInterval)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	e := &timerEntry{
		id:      t.nextID.Add(1),
		stageID: stageID,
		stop:    make(chan struct{}),
	}

	t.mu.Lock()
	t.timers[e.id] = e
	t.mu.Unlock()

	go t.run(e, initialDelay, period, count, fn)
	return e.id, nil
}

func (t *TimerTable) run(e *timerEntry, initialDelay, period time.Duration, count int, fn func()) {
	defer t.Cancel(e.id)

	first := time.NewTimer(initialDelay)
	defer first.Stop()
	select {
	case <-first.C:
	case <-e.stop:
		return
	}

	executions := 0
	tick := func() bool {
		if !t.post(e.stageID, packet.NewLocal(MsgStageTimerTick, e.stageID, fn)) {
			return false
		}
		executions++
		return count == 0 || executions < count
	}

	if !tick() {
		return
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !tick() {
				return
			}
		case <-e.stop:
			return
		}
	}
}

// Cancel stops a timer. Cancelling an unknown or already removed id is a
// no-op.
func (t *TimerTable) Cancel(id int64) {
	t.mu.Lock()
	e, ok := t.timers[id]
	if ok {
		delete(t.timers, id)
	}
	t.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// CancelStage stops every timer owned by stageID. Called on stage close
// before OnDestroy.
func (t *TimerTable) CancelStage(stageID int64) {
	t.mu.Lock()
	var victims []*timerEntry
	for id, e := range t.timers {
		if e.stageID == stageID {
			victims = append(victims, e)
			delete(t.timers, id)
		}
	}
	t.mu.Unlock()
	for _, e := range victims {
		e.cancel()
	}
}

// Len returns the number of live timers.
func (t *TimerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
