package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udisondev/playhouse/internal/codec"
	"github.com/udisondev/playhouse/internal/metrics"
	"github.com/udisondev/playhouse/internal/packet"
)

const (
	defaultPeerQueueSize = 1024
	defaultDialTimeout   = 3 * time.Second
	defaultWriteTimeout  = 5 * time.Second
)

// Options tune the bus.
type Options struct {
	MaxPacketSize int
	PeerQueueSize int
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = codec.DefaultMaxPacketSize
	}
	if o.PeerQueueSize <= 0 {
		o.PeerQueueSize = defaultPeerQueueSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// Bus is the router-style mesh endpoint of one server. Every connection
// starts with an identity frame naming the dialing peer; after that both
// sides exchange length-framed route packets.
//
// A server also connects to itself so intra-host cross-stage messages
// traverse the same path as cross-host ones.
type Bus struct {
	self      packet.Nid
	opts      Options
	onReceive func(*packet.RoutePacket)

	mu       sync.Mutex
	peers    map[packet.Nid]*peer
	listener net.Listener
	closed   bool
}

// NewBus creates a bus for the given server identity. onReceive is called
// from peer read goroutines for every inbound route packet.
func NewBus(self packet.Nid, opts Options, onReceive func(*packet.RoutePacket)) *Bus {
	return &Bus{
		self:      self,
		opts:      opts.withDefaults(),
		onReceive: onReceive,
		peers:     make(map[packet.Nid]*peer),
	}
}

// Self returns the local server identity.
func (b *Bus) Self() packet.Nid { return b.self }

// Addr returns the bound listen address, or nil before Bind.
func (b *Bus) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Bind listens on endpoint and accepts peer connections until ctx is done.
func (b *Bus) Bind(ctx context.Context, endpoint string) error {
	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("mesh bind %s: %w", endpoint, err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go b.acceptLoop(ctx, ln)
	slog.Info("mesh bus bound", "nid", b.self, "endpoint", ln.Addr())
	return nil
}

func (b *Bus) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Error("mesh accept failed", "error", err)
			continue
		}
		go b.handleInbound(conn)
	}
}

// handleInbound reads the identity frame and registers the peer if we do
// not already hold a connection to it. The frame buffer is shared with the
// read loop: route frames arriving in the same TCP read as the identity
// are not lost.
func (b *Bus) handleInbound(conn net.Conn) {
	frames := codec.NewFrameBuffer(b.opts.MaxPacketSize)
	nid, pending, err := readIdentity(conn, frames)
	if err != nil {
		slog.Warn("mesh identity handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	p := newPeer(nid, conn, b.opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	if _, exists := b.peers[nid]; !exists {
		b.peers[nid] = p
		go p.writePump()
	}
	b.mu.Unlock()

	slog.Debug("mesh peer accepted", "nid", nid, "remote", conn.RemoteAddr())
	for _, body := range pending {
		b.deliver(p, body)
	}
	b.readLoop(p, frames)
}

// Connect dials the peer at endpoint if not already connected.
func (b *Bus) Connect(nid packet.Nid, endpoint string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("mesh connect %s: bus closed", nid)
	}
	if _, ok := b.peers[nid]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	conn, err := net.DialTimeout("tcp", endpoint, b.opts.DialTimeout)
	if err != nil {
		return fmt.Errorf("mesh connect %s (%s): %w", nid, endpoint, err)
	}

	// Identity frame first: the accepting side learns who dialed.
	if err := writeIdentity(conn, b.self, b.opts.WriteTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("mesh connect %s: %w", nid, err)
	}

	p := newPeer(nid, conn, b.opts)

	b.mu.Lock()
	if _, ok := b.peers[nid]; ok {
		// Lost the connect race; keep the existing link.
		b.mu.Unlock()
		conn.Close()
		return nil
	}
	b.peers[nid] = p
	b.mu.Unlock()

	go p.writePump()
	go b.readLoop(p, codec.NewFrameBuffer(b.opts.MaxPacketSize))

	slog.Info("mesh peer connected", "nid", nid, "endpoint", endpoint)
	return nil
}

// HasPeer reports whether a live connection to nid exists.
func (b *Bus) HasPeer(nid packet.Nid) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.peers[nid]
	return ok
}

// Send routes p to nid. The payload is consumed (encoded and released)
// before Send returns. Unknown or broken peers yield an error; it is the
// caller's business whether that matters (fire-and-forget drops, requests
// time out).
func (b *Bus) Send(nid packet.Nid, p *packet.RoutePacket) error {
	b.mu.Lock()
	pr, ok := b.peers[nid]
	b.mu.Unlock()
	if !ok {
		metrics.MeshSendErrors.Inc()
		return fmt.Errorf("mesh send to %s: unknown peer", nid)
	}

	w := packet.GetWriter()
	defer w.Put()
	if err := codec.EncodeRoute(w, p); err != nil {
		metrics.MeshSendErrors.Inc()
		return fmt.Errorf("mesh send to %s: %w", nid, err)
	}
	p.Release()

	if err := pr.send(codec.Frame(w.Bytes())); err != nil {
		// Broken peer: drop the link, the resolver will re-connect.
		b.dropPeer(nid, pr)
		metrics.MeshSendErrors.Inc()
		return fmt.Errorf("mesh send to %s: %w", nid, err)
	}
	metrics.MeshSent.Inc()
	return nil
}

// readLoop decodes frames from one peer until the connection breaks.
func (b *Bus) readLoop(p *peer, frames *codec.FrameBuffer) {
	defer b.dropPeer(p.nid, p)

	buf := make([]byte, 64*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			bodies, ferr := frames.Feed(buf[:n])
			for _, body := range bodies {
				b.deliver(p, body)
			}
			if ferr != nil {
				slog.Warn("mesh framing error", "peer", p.nid, "error", ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bus) deliver(p *peer, body []byte) {
	rp, err := codec.DecodeRoute(body)
	if err != nil {
		slog.Warn("mesh decode failed", "peer", p.nid, "error", err)
		return
	}
	metrics.MeshReceived.Inc()
	if b.onReceive != nil {
		b.onReceive(rp)
	}
}

func (b *Bus) dropPeer(nid packet.Nid, p *peer) {
	b.mu.Lock()
	if cur, ok := b.peers[nid]; ok && cur == p {
		delete(b.peers, nid)
	}
	b.mu.Unlock()
	p.close()
}

// Close tears down the listener and all peer connections.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	ln := b.listener
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[packet.Nid]*peer)
	b.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// writeIdentity sends the framed nid string as the first bytes on a dialed
// connection.
func writeIdentity(conn net.Conn, self packet.Nid, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("identity deadline: %w", err)
	}
	defer conn.SetWriteDeadline(time.Time{})
	if _, err := conn.Write(codec.Frame([]byte(self))); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	return nil
}

// readIdentity reads the framed nid string off an accepted connection.
// Any additional complete frames received alongside it are returned so the
// caller can deliver them after peer registration.
func readIdentity(conn net.Conn, frames *codec.FrameBuffer) (packet.Nid, [][]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(defaultDialTimeout)); err != nil {
		return "", nil, fmt.Errorf("identity deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			bodies, ferr := frames.Feed(buf[:n])
			if ferr != nil {
				return "", nil, ferr
			}
			if len(bodies) > 0 {
				nid := packet.Nid(bodies[0])
				if nid == "" {
					return "", nil, fmt.Errorf("empty identity")
				}
				return nid, bodies[1:], nil
			}
		}
		if err != nil {
			return "", nil, fmt.Errorf("reading identity: %w", err)
		}
	}
}
