package stage

import (
	"sync"
	"sync/atomic"

	"github.com/udisondev/playhouse/internal/packet"
)

// eventLoop is the per-stage intake: a multi-producer FIFO drained by a
// single logical worker. Post never blocks; the worker goroutine is
// spawned on the false→true transition of the running flag and exits
// after a double-checked drain.
//
// The double-check is mandatory: without it a Post whose enqueue
// interleaves between the worker's empty check and running=false would
// strand the message until the next unrelated Post.
type eventLoop struct {
	mu      sync.Mutex
	queue   []*packet.RoutePacket
	running atomic.Bool

	// dispatch is invoked serially; it may block (remote requests), which
	// suspends the whole stage while intake keeps accumulating.
	dispatch func(*packet.RoutePacket)
}

func newEventLoop(dispatch func(*packet.RoutePacket)) *eventLoop {
	return &eventLoop{dispatch: dispatch}
}

// Post enqueues p from any goroutine. Ownership of the payload transfers
// to the loop; it is released after dispatch returns.
func (l *eventLoop) Post(p *packet.RoutePacket) {
	l.mu.Lock()
	l.queue = append(l.queue, p)
	l.mu.Unlock()

	if l.running.CompareAndSwap(false, true) {
		go l.drain()
	}
	// else: some worker is already draining, it will see our packet
}

func (l *eventLoop) pop() (*packet.RoutePacket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	p := l.queue[0]
	l.queue = l.queue[1:]
	return p, true
}

func (l *eventLoop) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0
}

// Len returns the number of queued packets.
func (l *eventLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *eventLoop) drain() {
	for {
		for {
			p, ok := l.pop()
			if !ok {
				break
			}
			l.dispatch(p)
		}
		l.running.Store(false)
		if l.empty() {
			return
		}
		// Double-check: a Post raced with running=false above.
		if !l.running.CompareAndSwap(false, true) {
			return
		}
	}
}
