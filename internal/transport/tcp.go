package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udisondev/playhouse/internal/codec"
)

// TCPServer accepts pipelined client connections with length-prefixed
// framing.
type TCPServer struct {
	opts Options
	cbs  Callbacks

	listener net.Listener
	mu       sync.Mutex
}

// NewTCPServer creates a TCP driver with the given options and callbacks.
func NewTCPServer(opts Options, cbs Callbacks) *TCPServer {
	return &TCPServer{opts: opts.withDefaults(), cbs: cbs}
}

// Addr returns the listen address, or nil before Run/Serve.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the accept loop.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Run listens on addr and serves until ctx is cancelled.
func (s *TCPServer) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	return s.Serve(ctx, ln)
}

// Serve accepts connections from the given listener.
// Used for testing with custom listeners.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("tcp transport started", "address", ln.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
			}
			slog.Error("failed to accept new connection", "error", err)
			continue
		}

		// Enable TCP keepalive (detect dead connections)
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetKeepAlive(true); err != nil {
				slog.Warn("set keepalive failed", "error", err)
			}
			if err := tcpConn.SetKeepAlivePeriod(s.opts.KeepAlivePeriod); err != nil {
				slog.Warn("set keepalive period failed", "error", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	tc := newTCPConn(conn, s.opts)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	slog.Debug("new client connection", "sid", tc.Sid(), "remote", tc.RemoteAddr())
	if s.cbs.OnConnect != nil {
		s.cbs.OnConnect(tc)
	}

	go tc.writePump()
	defer tc.Close()

	err := s.readLoop(ctx, tc)
	if s.cbs.OnDisconnect != nil {
		s.cbs.OnDisconnect(tc, err)
	}
	slog.Debug("client connection closed", "sid", tc.Sid(), "error", err)
}

func (s *TCPServer) readLoop(ctx context.Context, tc *tcpConn) error {
	frames := codec.NewFrameBuffer(s.opts.MaxPacketSize)
	buf := make([]byte, s.opts.ReadBufSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Heartbeat: an idle client disconnects on read deadline.
		if err := tc.conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		n, err := tc.conn.Read(buf)
		if n > 0 {
			bodies, ferr := frames.Feed(buf[:n])
			for _, body := range bodies {
				if s.cbs.OnMessage != nil {
					s.cbs.OnMessage(tc, body)
				}
			}
			if ferr != nil {
				// Oversize or malformed frame is a hard error.
				return fmt.Errorf("framing error: %w", ferr)
			}
		}
		if err != nil {
			return fmt.Errorf("reading: %w", err)
		}
	}
}

// tcpConn is one accepted client connection with a dedicated writer
// goroutine. Pattern: per-client buffered send channel drained by
// writePump using net.Buffers batching.
type tcpConn struct {
	sid  int64
	conn net.Conn
	addr string

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
}

func newTCPConn(conn net.Conn, opts Options) *tcpConn {
	host := conn.RemoteAddr().String()
	return &tcpConn{
		sid:          nextSid(),
		conn:         conn,
		addr:         host,
		sendCh:       make(chan []byte, opts.SendQueueSize),
		closeCh:      make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
	}
}

func (c *tcpConn) Sid() int64         { return c.sid }
func (c *tcpConn) RemoteAddr() string { return c.addr }

// Send frames body and queues it for async delivery.
// Non-blocking: a full queue means a slow client — disconnect it.
func (c *tcpConn) Send(body []byte) error {
	framed := codec.Frame(body)
	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- framed:
		return nil
	default:
		slog.Warn("send queue full, disconnecting slow client", "sid", c.sid, "remote", c.addr)
		c.Close()
		return ErrQueueFull
	}
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	return c.conn.Close()
}

// writePump drains sendCh onto the socket. Multiple queued packets are
// written with a single writev via net.Buffers.
func (c *tcpConn) writePump() {
	bufs := make(net.Buffers, 0, 64)

	for {
		select {
		case pkt, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				slog.Warn("set write deadline failed", "sid", c.sid, "error", err)
				return
			}

			queued := len(c.sendCh)
			if queued == 0 {
				// Single packet — direct write (hot path)
				if _, err := c.conn.Write(pkt); err != nil {
					slog.Warn("write failed", "sid", c.sid, "error", err)
					return
				}
				continue
			}

			bufs = bufs[:0]
			bufs = append(bufs, pkt)
			for i := 0; i < queued; i++ {
				bufs = append(bufs, <-c.sendCh)
			}
			if _, err := bufs.WriteTo(c.conn); err != nil {
				slog.Warn("batch write failed", "sid", c.sid, "error", err)
				return
			}

		case <-c.closeCh:
			return
		}
	}
}
