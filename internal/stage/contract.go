// Package stage implements the Play-server execution core: the per-stage
// serial event loop, the stage and actor lifecycles, the timer subsystem,
// and the AsyncIO split-phase primitive.
package stage

import (
	"context"

	"github.com/udisondev/playhouse/internal/packet"
)

// IStage is the user-supplied room/match/world logic. All callbacks run
// inside the stage's serial worker; stage state needs no locking.
type IStage interface {
	// OnCreate initializes the stage from the create payload and returns
	// the result code plus an optional reply packet for the creator.
	OnCreate(ctx context.Context, p *packet.Packet) (packet.ErrorCode, *packet.Packet)
	// OnPostCreate runs after the create reply was sent.
	OnPostCreate(ctx context.Context)
	// OnDestroy runs when the stage closes, after all timers are cancelled.
	OnDestroy()
	// OnJoinStage admits or rejects an actor. Capacity policy lives here.
	OnJoinStage(ctx context.Context, actor *Actor) bool
	// OnPostJoinStage runs after the join reply was sent.
	OnPostJoinStage(ctx context.Context, actor *Actor)
	// OnConnectionChanged fires when an actor reconnects (true) or its
	// disconnect grace expires (false, the actor is removed afterwards).
	OnConnectionChanged(actor *Actor, connected bool)
	// OnDispatchActor handles a client message from a roster actor.
	OnDispatchActor(ctx context.Context, actor *Actor, p *packet.Packet)
	// OnDispatch handles a server-to-server message with no actor bound.
	OnDispatch(ctx context.Context, p *packet.Packet)
}

// IActor is the user-supplied per-player logic.
type IActor interface {
	// OnCreate runs when the actor is instantiated, before authentication.
	OnCreate()
	// OnDestroy runs when the actor leaves or the stage closes.
	OnDestroy()
	// OnAuthenticate validates the first client message. It must set the
	// account id through its ActorSender before returning true. Returning
	// false closes the connection with Unauthorized.
	OnAuthenticate(ctx context.Context, p *packet.Packet) bool
	// OnPostAuthenticate runs after the authenticate reply was sent.
	OnPostAuthenticate(ctx context.Context)
}

// StageFactory builds the user stage around its sender.
type StageFactory func(s *StageSender) IStage

// ActorFactory builds the user actor around its sender.
type ActorFactory func(a *ActorSender) IActor

// Registration couples the two factories under one stage type name.
type Registration struct {
	StageType string
	NewStage  StageFactory
	NewActor  ActorFactory
}

// ClientConn is the slice of a transport session the actor runtime needs.
// Satisfied by transport.Conn.
type ClientConn interface {
	Sid() int64
	Send(body []byte) error
	Close() error
}
