// Package transport implements the client-facing transport drivers: TCP
// with 4-byte little-endian length framing and WebSocket with one packet
// per message frame. Drivers never parse packet semantics above the
// framing layer; decoded bodies are handed to the OnMessage callback.
package transport

import (
	"errors"
	"sync/atomic"
	"time"
)

// Default driver tuning. Overridden by Options when set.
const (
	defaultSendQueueSize    = 256
	defaultWriteTimeout     = 5 * time.Second
	defaultHeartbeatTimeout = 120 * time.Second
	defaultKeepAlivePeriod  = 30 * time.Second
	defaultReadBufSize      = 64 * 1024
)

// ErrQueueFull is returned by Conn.Send when the session's write queue is
// saturated; the driver closes the slow session.
var ErrQueueFull = errors.New("send queue full")

// ErrClosed is returned by Conn.Send after the session closed.
var ErrClosed = errors.New("session closed")

// Conn is one live client session as seen by the server core.
type Conn interface {
	// Sid is the process-unique session id assigned at accept.
	Sid() int64
	// Send queues a framed packet body for async delivery. Non-blocking:
	// a full queue closes the session and returns ErrQueueFull.
	Send(body []byte) error
	// Close tears the session down; OnDisconnect fires once.
	Close() error
	// RemoteAddr is the peer address, for logs.
	RemoteAddr() string
}

// Callbacks are the driver-to-core notifications. OnMessage receives one
// complete packet body (framing stripped); the slice is only valid for the
// duration of the call.
type Callbacks struct {
	OnConnect    func(c Conn)
	OnMessage    func(c Conn, body []byte)
	OnDisconnect func(c Conn, err error)
}

// Options configure a driver.
type Options struct {
	MaxPacketSize    int
	SendQueueSize    int
	WriteTimeout     time.Duration
	HeartbeatTimeout time.Duration // close the session if no bytes arrive within it
	KeepAlivePeriod  time.Duration
	ReadBufSize      int
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if o.ReadBufSize <= 0 {
		o.ReadBufSize = defaultReadBufSize
	}
	return o
}

var sidCounter atomic.Int64

// nextSid allocates a process-unique session id.
func nextSid() int64 {
	return sidCounter.Add(1)
}
