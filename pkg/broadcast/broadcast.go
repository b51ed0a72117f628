// Package broadcast fans encoded frames out to sessions.
//
// Each call encodes its payload once. A failed send to one recipient is
// logged and reported through Hooks, and delivery continues with the rest;
// no call returns an error to the caller.
package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vango-dev/liveballot/pkg/protocol"
	"github.com/vango-dev/liveballot/pkg/session"
)

// Scope names the recipient set of a dispatch.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeAdmins Scope = "admins"
	ScopeOne    Scope = "one"
)

// Source lists the current sessions. The returned slice must be a copy.
type Source interface {
	Sessions(filter func(*session.Session) bool) []*session.Session
}

// Hooks observe dispatch outcomes. Either field may be nil.
type Hooks struct {
	// OnDelivered is called once per dispatch with the number of
	// recipients whose Send succeeded.
	OnDelivered func(scope Scope, delivered int)

	// OnSendError is called for every failed Send.
	OnSendError func(scope Scope, err error)
}

// Dispatcher sends frames to sessions from a Source.
type Dispatcher struct {
	source Source
	hooks  Hooks
	logger *slog.Logger
}

// New creates a dispatcher over source.
func New(source Source, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		source: source,
		logger: logger.With("component", "broadcast"),
	}
}

// SetHooks replaces the dispatch hooks. Call before the first dispatch.
func (d *Dispatcher) SetHooks(h Hooks) {
	d.hooks = h
}

// ToAll sends to every session, standard and admin.
func (d *Dispatcher) ToAll(code string, data any) int {
	return d.dispatch(ScopeAll, code, data, d.source.Sessions(nil))
}

// ToAdmins sends to admin sessions only.
func (d *Dispatcher) ToAdmins(code string, data any) int {
	return d.dispatch(ScopeAdmins, code, data, d.source.Sessions((*session.Session).IsAdmin))
}

// ToOne sends to a single session.
func (d *Dispatcher) ToOne(code string, data any, s *session.Session) bool {
	return d.dispatch(ScopeOne, code, data, []*session.Session{s}) == 1
}

func (d *Dispatcher) dispatch(scope Scope, code string, data any, recipients []*session.Session) int {
	msg, err := protocol.Encode(code, data)
	if err != nil {
		d.logger.Error("encode broadcast", "code", code, "error", err)
		return 0
	}

	delivered := 0
	for _, s := range recipients {
		if err := s.Send(msg); err != nil {
			d.sendFailed(scope, code, s, err)
			continue
		}
		delivered++
	}

	if d.hooks.OnDelivered != nil {
		d.hooks.OnDelivered(scope, delivered)
	}
	return delivered
}

func (d *Dispatcher) sendFailed(scope Scope, code string, s *session.Session, err error) {
	level := slog.LevelWarn
	if errors.Is(err, session.ErrConnClosed) {
		// Routine while a disconnect is being processed.
		level = slog.LevelDebug
	}
	d.logger.Log(context.Background(), level, "send failed",
		"session_id", s.ID,
		"code", code,
		"scope", scope,
		"error", err)

	if d.hooks.OnSendError != nil {
		d.hooks.OnSendError(scope, err)
	}
}

// Reason classifies a send error for metrics labels.
func Reason(err error) string {
	switch {
	case errors.Is(err, session.ErrSendQueueFull):
		return "queue_full"
	case errors.Is(err, session.ErrConnClosed):
		return "closed"
	default:
		return "other"
	}
}
