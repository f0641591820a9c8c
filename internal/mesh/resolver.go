package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/playhouse/internal/packet"
)

const defaultHeartbeat = 1 * time.Second

// Resolver periodically publishes the local ServerInfo to the discovery
// registry, learns peers from the returned snapshot, and opens mesh
// connections to every peer it does not yet have — including the local
// server itself (the self-loop keeps intra-host routing on the same path).
//
// Membership is soft: peers missing from a snapshot are NOT disconnected;
// link teardown is driven by send errors.
type Resolver struct {
	self       ServerInfo
	controller SystemController
	bus        *Bus
	interval   time.Duration

	mu       sync.RWMutex
	snapshot []ServerInfo
}

// NewResolver creates a resolver; interval<=0 uses the 1s default.
func NewResolver(self ServerInfo, controller SystemController, bus *Bus, interval time.Duration) *Resolver {
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	return &Resolver{
		self:       self,
		controller: controller,
		bus:        bus,
		interval:   interval,
	}
}

// Run publishes immediately (connecting to self first) and then heartbeats
// until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) {
	r.tick()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Resolver) tick() {
	r.self.LastSeen = time.Now()
	infos, err := r.controller.UpdateServerInfo(r.self)
	if err != nil {
		slog.Warn("server info update failed", "nid", r.self.Nid, "error", err)
		return
	}

	r.mu.Lock()
	r.snapshot = infos
	r.mu.Unlock()

	for _, info := range infos {
		if r.bus.HasPeer(info.Nid) {
			continue
		}
		if err := r.bus.Connect(info.Nid, info.BindEndpoint); err != nil {
			slog.Warn("mesh connect failed", "nid", info.Nid, "endpoint", info.BindEndpoint, "error", err)
		}
	}
}

// Snapshot returns the most recent registry view.
func (r *Resolver) Snapshot() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerInfo, len(r.snapshot))
	copy(out, r.snapshot)
	return out
}

// ServiceNids lists the known nids of one service type, sorted by the
// registry snapshot order.
func (r *Resolver) ServiceNids(service packet.ServiceId) []packet.Nid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []packet.Nid
	for _, info := range r.snapshot {
		if info.Nid.Service() == service {
			out = append(out, info.Nid)
		}
	}
	return out
}
