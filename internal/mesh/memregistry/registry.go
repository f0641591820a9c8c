// Package memregistry is an in-memory SystemController implementation:
// a TTL-purged server table usable in tests and single-host deployments.
package memregistry

import (
	"sort"
	"sync"
	"time"

	"github.com/udisondev/playhouse/internal/mesh"
	"github.com/udisondev/playhouse/internal/packet"
)

const defaultTTL = 5 * time.Second

// Controller keeps the registry in process memory.
type Controller struct {
	mu      sync.Mutex
	entries map[packet.Nid]mesh.ServerInfo
	ttl     time.Duration
}

// New creates a registry; ttl<=0 uses the 5s default.
func New(ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Controller{
		entries: make(map[packet.Nid]mesh.ServerInfo),
		ttl:     ttl,
	}
}

// UpdateServerInfo stores self, purges stale entries, and returns the
// current snapshot sorted by nid for deterministic iteration.
func (c *Controller) UpdateServerInfo(self mesh.ServerInfo) ([]mesh.ServerInfo, error) {
	now := time.Now()
	self.LastSeen = now

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[self.Nid] = self
	for nid, info := range c.entries {
		if now.Sub(info.LastSeen) > c.ttl {
			delete(c.entries, nid)
		}
	}

	out := make([]mesh.ServerInfo, 0, len(c.entries))
	for _, info := range c.entries {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nid < out[j].Nid })
	return out, nil
}
