// Package session tracks the client connections terminating on this
// server: their authentication binding and the reconnect grace window
// that survives a dropped link.
package session

import (
	"sync"
	"time"
)

// DefaultGracePeriod is how long a disconnected actor may reconnect
// before it is removed from its stage.
const DefaultGracePeriod = 30 * time.Second

// Conn is the transport-side surface a session wraps.
type Conn interface {
	Sid() int64
	Send(body []byte) error
	Close() error
}

// Session is one client connection plus its stage binding. Binding
// fields are written once during authentication and read from transport
// goroutines, hence the mutex.
type Session struct {
	conn Conn

	mu            sync.Mutex
	accountID     int64
	stageID       int64
	authenticated bool
}

// Sid returns the transport session id.
func (s *Session) Sid() int64 { return s.conn.Sid() }

// Conn returns the underlying transport connection.
func (s *Session) Conn() Conn { return s.conn }

// Send writes an encoded server-to-client body to the connection.
func (s *Session) Send(body []byte) error { return s.conn.Send(body) }

// Close tears the connection down.
func (s *Session) Close() error { return s.conn.Close() }

// Bind records the stage/account pair after successful authentication.
func (s *Session) Bind(accountID, stageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = accountID
	s.stageID = stageID
	s.authenticated = true
}

// Binding returns the authenticated account/stage pair, or ok=false
// before authentication.
func (s *Session) Binding() (accountID, stageID int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID, s.stageID, s.authenticated
}

type graceKey struct {
	stageID   int64
	accountID int64
}

// Manager owns the live sessions and the pending grace timers.
type Manager struct {
	sessions sync.Map // sid → *Session

	mu     sync.Mutex
	graces map[graceKey]*time.Timer
	grace  time.Duration
}

// NewManager builds a manager. grace<=0 uses DefaultGracePeriod.
func NewManager(grace time.Duration) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Manager{
		graces: make(map[graceKey]*time.Timer),
		grace:  grace,
	}
}

// GracePeriod returns the configured reconnect window.
func (m *Manager) GracePeriod() time.Duration { return m.grace }

// Add registers a freshly accepted connection.
func (m *Manager) Add(conn Conn) *Session {
	s := &Session{conn: conn}
	m.sessions.Store(conn.Sid(), s)
	return s
}

// Get looks a session up by sid.
func (m *Manager) Get(sid int64) (*Session, bool) {
	v, ok := m.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove drops the session and returns it, or nil if already gone.
func (m *Manager) Remove(sid int64) *Session {
	v, ok := m.sessions.LoadAndDelete(sid)
	if !ok {
		return nil
	}
	return v.(*Session)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// StartGrace arms the reconnect window for a disconnected actor. expired
// fires once if no reconnect cancels it first. A second StartGrace for
// the same pair rearms the window.
func (m *Manager) StartGrace(stageID, accountID int64, expired func()) {
	k := graceKey{stageID: stageID, accountID: accountID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.graces[k]; ok {
		t.Stop()
	}
	m.graces[k] = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		delete(m.graces, k)
		m.mu.Unlock()
		expired()
	})
}

// CancelGrace disarms the window on reconnect. Safe when no window is
// armed; reports whether one was.
func (m *Manager) CancelGrace(stageID, accountID int64) bool {
	k := graceKey{stageID: stageID, accountID: accountID}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.graces[k]
	if !ok {
		return false
	}
	delete(m.graces, k)
	return t.Stop()
}

// CancelAll disarms every pending window (shutdown).
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.graces {
		t.Stop()
		delete(m.graces, k)
	}
}
