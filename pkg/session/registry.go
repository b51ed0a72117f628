package session

import (
	"log/slog"
	"sync"
	"time"
)

// Liveness decides how long an idle session is kept.
type Liveness struct {
	// AnonymousTimeout applies to sessions that never claimed an identifier.
	AnonymousTimeout time.Duration

	// NamedTimeout applies to sessions with a bound identifier.
	NamedTimeout time.Duration
}

// DefaultLiveness returns 10 seconds for anonymous and 1 hour for
// identified sessions.
func DefaultLiveness() Liveness {
	return Liveness{
		AnonymousTimeout: 10 * time.Second,
		NamedTimeout:     time.Hour,
	}
}

// Alive reports whether s should be kept at now. Admin sessions are always
// kept.
func (l Liveness) Alive(s *Session, now time.Time) bool {
	if s.IsAdmin() {
		return true
	}
	s.mu.Lock()
	idle := now.Sub(s.lastActive)
	named := s.identifier != ""
	s.mu.Unlock()

	if named {
		return idle < l.NamedTimeout
	}
	return idle < l.AnonymousTimeout
}

// Config configures a Registry.
type Config struct {
	Liveness Liveness

	// SweepInterval is the period of the liveness sweep.
	// Default: 10 seconds.
	SweepInterval time.Duration

	// MaxSessions caps concurrent sessions. 0 means no limit.
	MaxSessions int
}

// DefaultConfig returns a Config with DefaultLiveness and a 10 second sweep.
func DefaultConfig() *Config {
	return &Config{
		Liveness:      DefaultLiveness(),
		SweepInterval: 10 * time.Second,
	}
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int
	// Users counts distinct bound identifiers.
	Users  int
	Admins int
}

// Registry tracks every connected session and evicts idle ones.
type Registry struct {
	sessions map[string]*Session
	// identities counts registered sessions per bound identifier.
	identities map[string]int
	mu         sync.RWMutex

	config *Config

	sweepInterval time.Duration
	done          chan struct{}
	sweepDone     chan struct{}
	shutdownOnce  sync.Once

	onEvict func([]*Session)
	now     func() time.Time

	logger *slog.Logger
}

// NewRegistry creates a registry and starts its sweep loop.
func NewRegistry(config *Config, logger *slog.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := config.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	r := &Registry{
		sessions:      make(map[string]*Session),
		identities:    make(map[string]int),
		config:        config,
		sweepInterval: interval,
		done:          make(chan struct{}),
		sweepDone:     make(chan struct{}),
		now:           time.Now,
		logger:        logger.With("component", "session_registry"),
	}

	go r.sweepLoop()

	return r
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// SetOnEvict sets the callback that receives every non-empty sweep result.
// It runs once per sweep, after the evicted channels were closed.
func (r *Registry) SetOnEvict(fn func([]*Session)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Register adds a session for conn.
func (r *Registry) Register(conn Conn, role Role, remoteAddr string) (*Session, error) {
	if !role.Valid() {
		return nil, ErrUnknownEndpoint
	}

	r.mu.Lock()
	if r.config.MaxSessions > 0 && len(r.sessions) >= r.config.MaxSessions {
		r.mu.Unlock()
		return nil, ErrMaxSessionsReached
	}
	s := newSession(conn, role, remoteAddr, r.now())
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("session registered",
		"session_id", s.ID,
		"role", role,
		"remote_addr", remoteAddr,
		"active_sessions", count)

	return s, nil
}

// Get returns the session with the given handle, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Touch refreshes the session's last-activity timestamp.
func (r *Registry) Touch(s *Session) {
	r.mu.RLock()
	now := r.now()
	r.mu.RUnlock()
	s.touch(now)
}

// BindIdentity sets the session's identifier if it has none. It returns
// true when the identifier was bound by this call.
func (r *Registry) BindIdentity(s *Session, identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !s.bind(identifier) {
		return false
	}
	if r.sessions[s.ID] == s {
		r.identities[identifier]++
	}
	return true
}

// HasIdentity reports whether any registered session is bound to identifier.
func (r *Registry) HasIdentity(identifier string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identities[identifier] > 0
}

// Unregister removes s. It returns false if s was already gone, for
// example because the sweep evicted it first.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	removed := r.removeLocked(s.ID) != nil
	count := len(r.sessions)
	r.mu.Unlock()

	if removed {
		r.logger.Debug("session unregistered",
			"session_id", s.ID,
			"active_sessions", count)
	}
	return removed
}

func (r *Registry) removeLocked(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	if identifier, named := s.Identifier(); named {
		if r.identities[identifier] <= 1 {
			delete(r.identities, identifier)
		} else {
			r.identities[identifier]--
		}
	}
	return s
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a copy of the registered sessions accepted by filter.
// A nil filter accepts every session.
func (r *Registry) Sessions(filter func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns connection and distinct-user counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		Connections: len(r.sessions),
		Users:       len(r.identities),
	}
	for _, s := range r.sessions {
		if s.IsAdmin() {
			st.Admins++
		}
	}
	return st
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.done:
			return
		}
	}
}

// Sweep evicts every session that fails the liveness check. Evicted
// channels are closed and the evict callback runs once when anything was
// removed.
func (r *Registry) Sweep() []*Session {
	r.mu.Lock()
	now := r.now()
	var evicted []*Session
	for id, s := range r.sessions {
		if !r.config.Liveness.Alive(s, now) {
			evicted = append(evicted, r.removeLocked(id))
		}
	}
	remaining := len(r.sessions)
	onEvict := r.onEvict
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}

	for _, s := range evicted {
		if err := s.Close(); err != nil {
			r.logger.Debug("close evicted session", "session_id", s.ID, "error", err)
		}
	}

	r.logger.Info("evicted idle sessions",
		"count", len(evicted),
		"remaining", remaining)

	if onEvict != nil {
		onEvict(evicted)
	}
	return evicted
}

// Shutdown stops the sweep loop and closes every registered session.
func (r *Registry) Shutdown() {
	r.shutdownOnce.Do(func() {
		close(r.done)
		<-r.sweepDone
	})

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.identities = make(map[string]int)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()

	r.logger.Info("session registry shutdown",
		"closed_sessions", len(sessions))
}
