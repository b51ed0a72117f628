package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for coordinator and server conditions.
var (
	// ErrNotAdmin is returned when a standard session tries to publish a ballot.
	ErrNotAdmin = errors.New("server: setBallot requires an admin session")

	// ErrInvalidConfig is wrapped by every ValidateConfig failure.
	ErrInvalidConfig = errors.New("server: invalid config")

	// ErrServerClosed is returned by Connect after Shutdown.
	ErrServerClosed = errors.New("server: closed")
)

// SessionError wraps an error with session context for logging.
type SessionError struct {
	SessionID string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{
		SessionID: sessionID,
		Op:        op,
		Err:       err,
	}
}
