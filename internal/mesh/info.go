// Package mesh implements the router-to-router message fabric between
// servers: one logical endpoint per server, peer connections identified by
// server nid, connect-on-demand driven by the address resolver.
package mesh

import (
	"time"

	"github.com/udisondev/playhouse/internal/packet"
)

// ServerInfo is one registry entry: a server identity and where its mesh
// endpoint binds. Entries older than the registry TTL are purged.
type ServerInfo struct {
	Nid          packet.Nid
	BindEndpoint string
	LastSeen     time.Time
}

// SystemController is the discovery collaborator. UpdateServerInfo
// publishes the local info and returns the current registry snapshot.
// Implementations must be idempotent and cheap; they are called on every
// resolver heartbeat.
type SystemController interface {
	UpdateServerInfo(self ServerInfo) ([]ServerInfo, error)
}
