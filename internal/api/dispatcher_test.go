package api

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/udisondev/playhouse/internal/mesh"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
	"github.com/udisondev/playhouse/internal/reqcache"
	"github.com/udisondev/playhouse/internal/service"
)

type echoController struct {
	calls atomic.Int32
	slow  time.Duration
}

func (c *echoController) Handles(r HandlerRegister) {
	r.Add("Echo", func(ctx context.Context, p *packet.Packet, s *service.Sender) error {
		if c.slow > 0 {
			time.Sleep(c.slow)
		}
		c.calls.Add(1)
		p.Release()
		return nil
	})
}

func newTestDispatcher(opts Options) *Dispatcher {
	self := packet.NewNid(packet.ServiceApi, 1)
	bus := mesh.NewBus(self, mesh.Options{}, nil)
	comm := service.NewCommunicator(self, bus, reqcache.New(), nil, time.Second)
	return NewDispatcher(comm, opts)
}

func inbound(msgID string, seq uint16) *packet.RoutePacket {
	return packet.NewRoute(packet.RouteHeader{
		MsgSeq:    seq,
		ServiceId: packet.ServiceApi,
		MsgId:     msgID,
		From:      "1:1",
	}, payload.Empty())
}

func TestDispatcher_InvokesHandler(t *testing.T) {
	d := newTestDispatcher(Options{Workers: 2})
	ctrl := &echoController{}
	d.Use(ctrl)
	if d.HandlerCount() != 1 {
		t.Fatalf("handler count = %d", d.HandlerCount())
	}

	go d.Run(context.Background())
	for i := 0; i < 10; i++ {
		d.HandleMesh(inbound("Echo", 0))
	}

	deadline := time.Now().Add(2 * time.Second)
	for ctrl.calls.Load() != 10 {
		if time.Now().After(deadline) {
			t.Fatalf("handled %d of 10", ctrl.calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if err := d.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestDispatcher_UnknownMsgDropped(t *testing.T) {
	d := newTestDispatcher(Options{Workers: 1})
	go d.Run(context.Background())
	d.HandleMesh(inbound("Nope", 0)) // must not panic or wedge
	time.Sleep(20 * time.Millisecond)
	if err := d.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestDispatcher_DrainWaitsForInFlight(t *testing.T) {
	d := newTestDispatcher(Options{Workers: 1})
	ctrl := &echoController{slow: 50 * time.Millisecond}
	d.Use(ctrl)
	go d.Run(context.Background())

	d.HandleMesh(inbound("Echo", 0))
	time.Sleep(10 * time.Millisecond) // worker picked it up

	if err := d.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ctrl.calls.Load() != 1 {
		t.Fatal("in-flight handler was not drained")
	}
}

func TestDispatcher_RefusesAfterStop(t *testing.T) {
	d := newTestDispatcher(Options{Workers: 1})
	ctrl := &echoController{}
	d.Use(ctrl)
	go d.Run(context.Background())
	if err := d.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	d.HandleMesh(inbound("Echo", 0))
	time.Sleep(20 * time.Millisecond)
	if ctrl.calls.Load() != 0 {
		t.Fatal("stopped dispatcher ran a handler")
	}
}

func TestDispatcher_StopRacesIntake(t *testing.T) {
	// Intake concurrent with Stop must never send on the closed jobs
	// channel; a panic here would take the bus read goroutine down.
	d := newTestDispatcher(Options{Workers: 4, QueueSize: 8})
	ctrl := &echoController{}
	d.Use(ctrl)
	go d.Run(context.Background())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.HandleMesh(inbound("Echo", 0))
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	if err := d.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(stop)
	wg.Wait()

	// Post-stop intake still refuses cleanly.
	d.HandleMesh(inbound("Echo", 0))
}

func TestDispatcher_PanicDoesNotKillWorker(t *testing.T) {
	d := newTestDispatcher(Options{Workers: 1})
	var after atomic.Bool
	d.Use(controllerFunc(func(r HandlerRegister) {
		r.Add("Panic", func(ctx context.Context, p *packet.Packet, s *service.Sender) error {
			panic("bad handler")
		})
		r.Add("Ok", func(ctx context.Context, p *packet.Packet, s *service.Sender) error {
			after.Store(true)
			return nil
		})
	}))
	go d.Run(context.Background())

	d.HandleMesh(inbound("Panic", 0))
	d.HandleMesh(inbound("Ok", 0))

	deadline := time.Now().Add(2 * time.Second)
	for !after.Load() {
		if time.Now().After(deadline) {
			t.Fatal("worker died after panic")
		}
		time.Sleep(time.Millisecond)
	}
	d.Stop(time.Second)
}

type controllerFunc func(r HandlerRegister)

func (f controllerFunc) Handles(r HandlerRegister) { f(r) }
