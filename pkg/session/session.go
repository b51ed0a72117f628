package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for session and channel conditions.
var (
	// ErrConnClosed is returned by Conn.Send after the channel was closed.
	ErrConnClosed = errors.New("session: connection closed")

	// ErrSendQueueFull is returned by Conn.Send when the outbound queue is
	// full and the message was dropped.
	ErrSendQueueFull = errors.New("session: send queue full")

	// ErrUnknownEndpoint is returned when a path maps to no role.
	ErrUnknownEndpoint = errors.New("session: unknown endpoint")

	// ErrMaxSessionsReached is returned by Register when the registry is full.
	ErrMaxSessionsReached = errors.New("session: max sessions reached")
)

// Conn is the outbound half of a client channel.
//
// Send must not block on a slow peer: implementations queue the message or
// drop it with ErrSendQueueFull. Messages sent on one Conn are delivered in
// the order Send was called.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// Role is fixed when the session connects.
type Role string

const (
	RoleStandard Role = "standard"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleStandard || r == RoleAdmin
}

func (r Role) String() string {
	return string(r)
}

// Endpoints maps request paths to roles.
type Endpoints struct {
	Standard string
	Admin    string
}

// DefaultEndpoints returns "/" for standard and "/admin" for admin sessions.
func DefaultEndpoints() Endpoints {
	return Endpoints{Standard: "/", Admin: "/admin"}
}

// RoleFor resolves the role for a request path. Matching is exact.
func (e Endpoints) RoleFor(path string) (Role, error) {
	switch path {
	case e.Admin:
		return RoleAdmin, nil
	case e.Standard:
		return RoleStandard, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEndpoint, path)
	}
}

// Session is one connected participant.
type Session struct {
	// ID is the connection-scoped handle the registry is keyed by. It is
	// never the claimed identifier.
	ID         string
	Role       Role
	RemoteAddr string
	CreatedAt  time.Time

	conn Conn

	mu         sync.Mutex
	identifier string
	lastActive time.Time
}

func newSession(conn Conn, role Role, remoteAddr string, now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Role:       role,
		RemoteAddr: remoteAddr,
		CreatedAt:  now,
		conn:       conn,
		lastActive: now,
	}
}

// Conn returns the session's channel.
func (s *Session) Conn() Conn {
	return s.conn
}

// IsAdmin reports whether the session connected on the admin endpoint.
func (s *Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// Identifier returns the claimed identifier, if one has been bound.
func (s *Session) Identifier() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifier, s.identifier != ""
}

// LastActive returns the time of the last well-formed inbound message.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Send forwards msg to the channel.
func (s *Session) Send(msg []byte) error {
	return s.conn.Send(msg)
}

// Close closes the channel.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActive) {
		s.lastActive = now
	}
	s.mu.Unlock()
}

// bind sets the identifier once. Later calls keep the first value.
func (s *Session) bind(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identifier != "" || identifier == "" {
		return false
	}
	s.identifier = identifier
	return true
}
