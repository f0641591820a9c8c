package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/playhouse/internal/api"
	"github.com/udisondev/playhouse/internal/mesh"
	"github.com/udisondev/playhouse/internal/mesh/memregistry"
	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/reqcache"
	"github.com/udisondev/playhouse/internal/service"
)

// ApiOptions configure one api server.
type ApiOptions struct {
	ServerId     int
	BindEndpoint string // mesh listen address

	RequestTimeout   time.Duration
	ResolverInterval time.Duration
	DrainTimeout     time.Duration

	Mesh       mesh.Options
	Dispatcher api.Options
}

// ApiServer runs stateless message handlers over a worker pool.
type ApiServer struct {
	opts ApiOptions
	self packet.Nid

	bus        *mesh.Bus
	resolver   *mesh.Resolver
	cache      *reqcache.Cache
	comm       *service.Communicator
	dispatcher *api.Dispatcher

	controller mesh.SystemController
}

// NewApiServer wires an api server. Controllers are registered before Run.
func NewApiServer(opts ApiOptions) *ApiServer {
	s := &ApiServer{
		opts: opts,
		self: packet.NewNid(packet.ServiceApi, opts.ServerId),
	}
	s.bus = mesh.NewBus(s.self, opts.Mesh, func(rp *packet.RoutePacket) {
		s.dispatcher.HandleMesh(rp)
	})
	s.cache = reqcache.New()
	return s
}

// UseController registers a controller's handlers.
func (s *ApiServer) UseController(c api.Controller) {
	s.buildCore()
	s.dispatcher.Use(c)
}

// UseSystemController replaces the default in-memory discovery registry.
func (s *ApiServer) UseSystemController(c mesh.SystemController) {
	s.controller = c
}

// Self returns the server nid.
func (s *ApiServer) Self() packet.Nid { return s.self }

// Sender returns a free-standing sender for server-initiated traffic
// (bootstrap stage creation, background jobs).
func (s *ApiServer) Sender() *service.Sender {
	s.buildCore()
	return service.NewSender(s.comm, nil, nil)
}

func (s *ApiServer) buildCore() {
	if s.dispatcher != nil {
		return
	}
	if s.controller == nil {
		s.controller = memregistry.New(0)
	}
	self := mesh.ServerInfo{Nid: s.self, BindEndpoint: s.opts.BindEndpoint}
	s.resolver = mesh.NewResolver(self, s.controller, s.bus, s.opts.ResolverInterval)
	s.comm = service.NewCommunicator(s.self, s.bus, s.cache, s.resolver, s.opts.RequestTimeout)
	s.dispatcher = api.NewDispatcher(s.comm, s.opts.Dispatcher)
}

// Run brings the server up and blocks until ctx cancellation, then
// drains the pool and tears the mesh down.
func (s *ApiServer) Run(ctx context.Context) error {
	s.buildCore()

	if err := s.bus.Bind(ctx, s.opts.BindEndpoint); err != nil {
		return fmt.Errorf("starting api server %s: %w", s.self, err)
	}
	slog.Info("api server up",
		"nid", s.self,
		"mesh", s.opts.BindEndpoint,
		"handlers", s.dispatcher.HandlerCount())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.resolver.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.dispatcher.Stop(s.opts.DrainTimeout)
	})

	err := g.Wait()
	s.cache.CancelAll(packet.ShutdownCancel)
	s.bus.Close()
	slog.Info("api server down", "nid", s.self)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
