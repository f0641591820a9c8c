package mesh

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/transport"
)

// peer is one live connection to another server. Writes go through a
// buffered channel drained by a dedicated goroutine, same as client
// sessions; multiple queued frames are flushed with a single writev.
type peer struct {
	nid  packet.Nid
	conn net.Conn

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
}

func newPeer(nid packet.Nid, conn net.Conn, opts Options) *peer {
	return &peer{
		nid:          nid,
		conn:         conn,
		sendCh:       make(chan []byte, opts.PeerQueueSize),
		closeCh:      make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
	}
}

// send queues a framed packet. Non-blocking: saturation means the peer is
// stuck and the link is treated as broken.
func (p *peer) send(framed []byte) error {
	select {
	case <-p.closeCh:
		return transport.ErrClosed
	default:
	}
	select {
	case p.sendCh <- framed:
		return nil
	default:
		slog.Warn("mesh peer queue full", "nid", p.nid)
		p.close()
		return transport.ErrQueueFull
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
	p.conn.Close()
}

func (p *peer) writePump() {
	bufs := make(net.Buffers, 0, 64)

	for {
		select {
		case frame, ok := <-p.sendCh:
			if !ok {
				return
			}
			if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
				slog.Warn("mesh set write deadline failed", "nid", p.nid, "error", err)
				return
			}

			queued := len(p.sendCh)
			if queued == 0 {
				if _, err := p.conn.Write(frame); err != nil {
					slog.Warn("mesh write failed", "nid", p.nid, "error", err)
					return
				}
				continue
			}

			bufs = bufs[:0]
			bufs = append(bufs, frame)
			for i := 0; i < queued; i++ {
				bufs = append(bufs, <-p.sendCh)
			}
			if _, err := bufs.WriteTo(p.conn); err != nil {
				slog.Warn("mesh batch write failed", "nid", p.nid, "error", err)
				return
			}

		case <-p.closeCh:
			return
		}
	}
}
