// Package server assembles the two server roles from the runtime parts:
// transports, mesh bus, resolver, request cache, and the dispatch core of
// each role.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/playhouse/internal/mesh"
	"github.com/udisondev/playhouse/internal/mesh/memregistry"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/reqcache"
	"github.com/udisondev/playhouse/internal/service"
	"github.com/udisondev/playhouse/internal/session"
	"github.com/udisondev/playhouse/internal/stage"
	"github.com/udisondev/playhouse/internal/transport"
)

// PlayOptions configure one play server.
type PlayOptions struct {
	ServerId     int
	BindEndpoint string // mesh listen address
	TcpAddr      string // client TCP listen address, "" disables
	WsAddr       string // client WebSocket listen address, "" disables

	RequestTimeout    time.Duration
	AuthenticateMsgId string
	GracePeriod       time.Duration
	ResolverInterval  time.Duration

	Mesh      mesh.Options
	Transport transport.Options
}

// PlayServer hosts stages and terminates client sessions.
type PlayServer struct {
	opts PlayOptions
	self packet.Nid

	bus      *mesh.Bus
	resolver *mesh.Resolver
	cache    *reqcache.Cache
	comm     *service.Communicator
	sessions *session.Manager
	svc      *stage.Service

	tcp *transport.TCPServer
	ws  *transport.WSServer

	controller mesh.SystemController
}

// NewPlayServer wires a play server. Stage types and (optionally) a
// system controller are registered before Run.
func NewPlayServer(opts PlayOptions) *PlayServer {
	s := &PlayServer{
		opts: opts,
		self: packet.NewNid(packet.ServicePlay, opts.ServerId),
	}
	s.bus = mesh.NewBus(s.self, opts.Mesh, func(rp *packet.RoutePacket) {
		s.svc.HandleMesh(rp)
	})
	s.cache = reqcache.New()
	s.sessions = session.NewManager(opts.GracePeriod)

	cbs := transport.Callbacks{
		OnConnect:    func(c transport.Conn) { s.svc.HandleClientConnect(c) },
		OnMessage:    func(c transport.Conn, body []byte) { s.svc.HandleClientMessage(c, body) },
		OnDisconnect: func(c transport.Conn, err error) { s.svc.HandleClientDisconnect(c, err) },
	}
	if opts.TcpAddr != "" {
		s.tcp = transport.NewTCPServer(opts.Transport, cbs)
	}
	if opts.WsAddr != "" {
		s.ws = transport.NewWSServer(opts.Transport, cbs, "/ws")
	}
	return s
}

// UseStage registers a stage type.
func (s *PlayServer) UseStage(reg stage.Registration) error {
	if s.svc == nil {
		// Service needs the communicator, which needs the resolver; defer
		// construction to the first registration or Run.
		s.buildCore()
	}
	return s.svc.Register(reg)
}

// UseSystemController replaces the default in-memory discovery registry.
func (s *PlayServer) UseSystemController(c mesh.SystemController) {
	s.controller = c
}

// Self returns the server nid.
func (s *PlayServer) Self() packet.Nid { return s.self }

// Service exposes the play core (diagnostics and tests).
func (s *PlayServer) Service() *stage.Service { return s.svc }

func (s *PlayServer) buildCore() {
	if s.svc != nil {
		return
	}
	if s.controller == nil {
		s.controller = memregistry.New(0)
	}
	self := mesh.ServerInfo{Nid: s.self, BindEndpoint: s.opts.BindEndpoint}
	s.resolver = mesh.NewResolver(self, s.controller, s.bus, s.opts.ResolverInterval)
	s.comm = service.NewCommunicator(s.self, s.bus, s.cache, s.resolver, s.opts.RequestTimeout)
	s.svc = stage.NewService(s.comm, s.sessions, s.opts.AuthenticateMsgId)
}

// Run brings the server up: mesh bind, resolver heartbeat, client
// transports. Blocks until ctx is cancelled, then shuts down in reverse.
func (s *PlayServer) Run(ctx context.Context) error {
	s.buildCore()

	if err := s.bus.Bind(ctx, s.opts.BindEndpoint); err != nil {
		return fmt.Errorf("starting play server %s: %w", s.self, err)
	}
	slog.Info("play server up",
		"nid", s.self,
		"mesh", s.opts.BindEndpoint,
		"tcp", s.opts.TcpAddr,
		"ws", s.opts.WsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.resolver.Run(gctx)
		return nil
	})
	if s.tcp != nil {
		g.Go(func() error { return s.tcp.Run(gctx, s.opts.TcpAddr) })
	}
	if s.ws != nil {
		g.Go(func() error { return s.ws.Run(gctx, s.opts.WsAddr) })
	}

	err := g.Wait()
	s.shutdown()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// shutdown order: stop intake first, then cancel what is in flight,
// then drop the mesh.
func (s *PlayServer) shutdown() {
	if s.tcp != nil {
		s.tcp.Close()
	}
	if s.ws != nil {
		s.ws.Close()
	}
	s.svc.CloseAll()
	s.cache.CancelAll(packet.ShutdownCancel)
	s.bus.Close()
	slog.Info("play server down", "nid", s.self)
}
