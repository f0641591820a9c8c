// Package api implements the stateless API-server dispatch core: a
// bounded worker pool invoking MsgId-resolved handlers, each with a
// per-invocation sender carrying the inbound header.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/playhouse/internal/metrics"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/service"
)

const (
	defaultWorkers   = 16
	defaultQueueSize = 1024
	// DefaultDrainTimeout bounds how long Stop waits for in-flight
	// handlers before giving up.
	DefaultDrainTimeout = 10 * time.Second
)

// Handler services one inbound message. Replying (or not) is the
// handler's business; returned errors are converted to SystemError for
// request-expecting callers.
type Handler func(ctx context.Context, p *packet.Packet, s *service.Sender) error

// HandlerRegister collects msg_id → handler bindings from a controller.
type HandlerRegister interface {
	Add(msgID string, h Handler)
}

// Controller is the user-supplied API logic: it declares which MsgIds it
// serves.
type Controller interface {
	Handles(r HandlerRegister)
}

// Dispatcher fans inbound packets out over a fixed worker pool.
type Dispatcher struct {
	comm     *service.Communicator
	handlers map[string]Handler

	workers int
	jobs    chan *packet.RoutePacket
	wg      sync.WaitGroup

	// mu orders intake sends against the Stop close: jobs is only
	// written under the read lock and only closed under the write lock.
	mu     sync.RWMutex
	closed bool
}

// Options tunes the pool. Zero values pick defaults.
type Options struct {
	Workers   int
	QueueSize int
}

// NewDispatcher builds the pool; Run starts it.
func NewDispatcher(comm *service.Communicator, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Dispatcher{
		comm:     comm,
		handlers: make(map[string]Handler),
		workers:  opts.Workers,
		jobs:     make(chan *packet.RoutePacket, opts.QueueSize),
	}
}

type register struct{ d *Dispatcher }

func (r register) Add(msgID string, h Handler) {
	if msgID == "" || h == nil {
		panic(fmt.Sprintf("registering handler %q: empty binding", msgID))
	}
	if _, ok := r.d.handlers[msgID]; ok {
		panic(fmt.Sprintf("registering handler %q: already registered", msgID))
	}
	r.d.handlers[msgID] = h
}

// Use lets a controller declare its handlers. Bootstrap-time only, not
// safe once Run started.
func (d *Dispatcher) Use(c Controller) {
	c.Handles(register{d: d})
}

// HandlerCount returns the number of registered bindings.
func (d *Dispatcher) HandlerCount() int { return len(d.handlers) }

// Run starts the workers and blocks until Stop closes the intake.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for rp := range d.jobs {
				d.dispatch(ctx, rp)
			}
		}()
	}
	d.wg.Wait()
}

// HandleMesh is the bus intake: replies resolve the request cache,
// everything else queues for a worker. A stopped or saturated dispatcher
// answers requests with ShutdownCancel / SystemError.
func (d *Dispatcher) HandleMesh(rp *packet.RoutePacket) {
	if rp.Header.IsReply {
		if !d.comm.HandleReply(rp) {
			slog.Debug("orphan reply dropped", "msg_seq", rp.Header.MsgSeq, "msg_id", rp.Header.MsgId)
			rp.Release()
		}
		return
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.refuse(rp, packet.ShutdownCancel)
		return
	}
	select {
	case d.jobs <- rp:
		d.mu.RUnlock()
	default:
		d.mu.RUnlock()
		metrics.DispatchErrors.Inc()
		slog.Warn("dispatch queue full", "msg_id", rp.Header.MsgId)
		d.refuse(rp, packet.SystemError)
	}
}

// Stop refuses new intake and waits for in-flight handlers up to
// timeout. Safe to call once.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("draining api dispatcher: %d workers still busy after %s", d.workers, timeout)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, rp *packet.RoutePacket) {
	defer rp.Release()
	h := rp.Header

	sender := service.NewSender(d.comm, nil, nil)
	sender.SetCurrentHeader(h)

	defer func() {
		if rec := recover(); rec != nil {
			metrics.DispatchErrors.Inc()
			slog.Error("api handler panic", "msg_id", h.MsgId, "panic", rec)
			if rp.IsRequest() {
				_ = sender.ReplyError(packet.SystemError)
			}
		}
	}()

	handler, ok := d.handlers[h.MsgId]
	if !ok {
		slog.Warn("no handler", "msg_id", h.MsgId, "from", h.From)
		if rp.IsRequest() {
			_ = sender.ReplyError(packet.SystemError)
		}
		return
	}

	if err := handler(ctx, rp.ToPacket(), sender); err != nil {
		metrics.DispatchErrors.Inc()
		slog.Error("api handler failed", "msg_id", h.MsgId, "error", err)
		if rp.IsRequest() {
			_ = sender.ReplyError(packet.SystemError)
		}
	}
}

// refuse answers a request-expecting packet with code and drops the rest.
func (d *Dispatcher) refuse(rp *packet.RoutePacket, code packet.ErrorCode) {
	h := rp.Header
	rp.Release()
	if h.MsgSeq == 0 || h.From == "" {
		return
	}
	d.comm.Forward(h.From, packet.RouteHeader{
		MsgSeq:    h.MsgSeq,
		ServiceId: h.ServiceId,
		StageId:   h.StageId,
		ErrorCode: code,
		IsReply:   true,
	}, packet.NewEmpty(h.MsgId))
}
