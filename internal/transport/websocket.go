package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSServer accepts WebSocket client connections. Each binary message frame
// carries exactly one packet; the TCP length prefix is not used.
type WSServer struct {
	opts Options
	cbs  Callbacks
	path string

	upgrader websocket.Upgrader
	srv      *http.Server
	mu       sync.Mutex
	addr     net.Addr
}

// NewWSServer creates a WebSocket driver serving on path (default "/ws").
func NewWSServer(opts Options, cbs Callbacks, path string) *WSServer {
	if path == "" {
		path = "/ws"
	}
	o := opts.withDefaults()
	return &WSServer{
		opts: o,
		cbs:  cbs,
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  o.ReadBufSize,
			WriteBufferSize: o.ReadBufSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Addr returns the listen address, or nil before Run/Serve.
func (s *WSServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on addr and serves until ctx is cancelled.
func (s *WSServer) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve upgrades connections accepted from ln.
func (s *WSServer) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})

	s.mu.Lock()
	s.addr = ln.Addr()
	s.srv = &http.Server{Handler: mux}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	slog.Info("websocket transport started", "address", ln.Addr(), "path", s.path)

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Close stops the HTTP server.
func (s *WSServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.srv.Close()
	}
	return nil
}

func (s *WSServer) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	wc := newWSConn(ws, s.opts)
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	slog.Debug("new websocket connection", "sid", wc.Sid(), "remote", wc.RemoteAddr())
	if s.cbs.OnConnect != nil {
		s.cbs.OnConnect(wc)
	}

	go wc.writePump()
	defer wc.Close()

	rerr := s.readLoop(wc)
	if s.cbs.OnDisconnect != nil {
		s.cbs.OnDisconnect(wc, rerr)
	}
	slog.Debug("websocket connection closed", "sid", wc.Sid(), "error", rerr)
}

func (s *WSServer) readLoop(wc *wsConn) error {
	if s.opts.MaxPacketSize > 0 {
		wc.ws.SetReadLimit(int64(s.opts.MaxPacketSize))
	}
	for {
		if err := wc.ws.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		mt, body, err := wc.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading websocket message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(body) == 0 {
			return fmt.Errorf("framing error: empty websocket frame")
		}
		if s.cbs.OnMessage != nil {
			s.cbs.OnMessage(wc, body)
		}
	}
}

// wsConn is one upgraded client connection. gorilla/websocket allows a
// single concurrent writer, so writes go through writePump like TCP.
type wsConn struct {
	sid  int64
	ws   *websocket.Conn
	addr string

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	return &wsConn{
		sid:          nextSid(),
		ws:           ws,
		addr:         ws.RemoteAddr().String(),
		sendCh:       make(chan []byte, opts.SendQueueSize),
		closeCh:      make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
	}
}

func (c *wsConn) Sid() int64         { return c.sid }
func (c *wsConn) RemoteAddr() string { return c.addr }

// Send queues one packet body as a single binary frame.
func (c *wsConn) Send(body []byte) error {
	dup := make([]byte, len(body))
	copy(dup, body)
	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- dup:
		return nil
	default:
		slog.Warn("send queue full, disconnecting slow client", "sid", c.sid, "remote", c.addr)
		c.Close()
		return ErrQueueFull
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	return c.ws.Close()
}

func (c *wsConn) writePump() {
	for {
		select {
		case body, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				slog.Warn("set write deadline failed", "sid", c.sid, "error", err)
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, body); err != nil {
				slog.Warn("websocket write failed", "sid", c.sid, "error", err)
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
