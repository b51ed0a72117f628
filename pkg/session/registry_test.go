package session

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	// Keep the background sweep out of the way; tests call Sweep directly.
	cfg.SweepInterval = time.Hour
	r := NewRegistry(cfg, testLogger())
	r.SetClock(clock.Now)
	t.Cleanup(r.Shutdown)
	return r, clock
}

func TestRoleFor(t *testing.T) {
	ep := DefaultEndpoints()
	tests := []struct {
		path    string
		want    Role
		wantErr bool
	}{
		{path: "/", want: RoleStandard},
		{path: "/admin", want: RoleAdmin},
		{path: "/admin/", wantErr: true},
		{path: "/other", wantErr: true},
		{path: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ep.RoleFor(tt.path)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownEndpoint) {
				t.Errorf("RoleFor(%q) error = %v, want ErrUnknownEndpoint", tt.path, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("RoleFor(%q) = %q, %v; want %q", tt.path, got, err, tt.want)
		}
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	r, _ := newTestRegistry(t)

	s, err := r.Register(&fakeConn{}, RoleStandard, "10.0.0.1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if s.ID == "" {
		t.Error("session handle should be set")
	}
	if r.Count() != 1 || r.Get(s.ID) != s {
		t.Errorf("Count() = %d, Get() = %v", r.Count(), r.Get(s.ID))
	}

	if !r.Unregister(s) {
		t.Error("first Unregister() should report removal")
	}
	if r.Unregister(s) {
		t.Error("second Unregister() should be a no-op")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}

	if _, err := r.Register(&fakeConn{}, Role("guest"), ""); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("Register(guest) error = %v", err)
	}
}

func TestRegisterMaxSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	r := NewRegistry(cfg, testLogger())
	defer r.Shutdown()

	if _, err := r.Register(&fakeConn{}, RoleStandard, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(&fakeConn{}, RoleStandard, ""); !errors.Is(err, ErrMaxSessionsReached) {
		t.Errorf("Register() error = %v, want ErrMaxSessionsReached", err)
	}
}

func TestBindIdentityFirstWins(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, _ := r.Register(&fakeConn{}, RoleStandard, "")

	if r.BindIdentity(s, "") {
		t.Error("empty identifier must not bind")
	}
	if !r.BindIdentity(s, "A") {
		t.Error("first identifier should bind")
	}
	if r.BindIdentity(s, "B") {
		t.Error("second identifier must be ignored")
	}
	if id, ok := s.Identifier(); !ok || id != "A" {
		t.Errorf("Identifier() = %q, %v", id, ok)
	}
	if !r.HasIdentity("A") || r.HasIdentity("B") {
		t.Error("HasIdentity() wrong")
	}
}

func TestStats(t *testing.T) {
	r, _ := newTestRegistry(t)
	a1, _ := r.Register(&fakeConn{}, RoleStandard, "")
	a2, _ := r.Register(&fakeConn{}, RoleStandard, "")
	b, _ := r.Register(&fakeConn{}, RoleStandard, "")
	_, _ = r.Register(&fakeConn{}, RoleStandard, "")
	_, _ = r.Register(&fakeConn{}, RoleAdmin, "")

	r.BindIdentity(a1, "A")
	r.BindIdentity(a2, "A")
	r.BindIdentity(b, "B")

	st := r.Stats()
	if st.Connections != 5 || st.Users != 2 || st.Admins != 1 {
		t.Errorf("Stats() = %+v, want {5 2 1}", st)
	}

	r.Unregister(a1)
	if !r.HasIdentity("A") {
		t.Error("A is still held by another session")
	}
	r.Unregister(a2)
	if r.HasIdentity("A") {
		t.Error("A should be gone with its last session")
	}
}

func TestSweepEvictsByLiveness(t *testing.T) {
	r, clock := newTestRegistry(t)

	var mu sync.Mutex
	var calls [][]*Session
	r.SetOnEvict(func(evicted []*Session) {
		mu.Lock()
		calls = append(calls, evicted)
		mu.Unlock()
	})

	anonConn1, anonConn2 := &fakeConn{}, &fakeConn{}
	_, _ = r.Register(anonConn1, RoleStandard, "")
	_, _ = r.Register(anonConn2, RoleStandard, "")
	named, _ := r.Register(&fakeConn{}, RoleStandard, "")
	r.BindIdentity(named, "A")
	admin, _ := r.Register(&fakeConn{}, RoleAdmin, "")

	clock.Advance(9 * time.Second)
	if got := r.Sweep(); len(got) != 0 {
		t.Fatalf("Sweep() at 9s evicted %d", len(got))
	}

	clock.Advance(2 * time.Second)
	evicted := r.Sweep()
	if len(evicted) != 2 {
		t.Fatalf("Sweep() at 11s evicted %d, want 2", len(evicted))
	}
	if !anonConn1.isClosed() || !anonConn2.isClosed() {
		t.Error("evicted channels should be closed")
	}
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("evict callback calls = %d, want exactly one with 2 sessions", len(calls))
	}

	clock.Advance(2 * time.Hour)
	evicted = r.Sweep()
	if len(evicted) != 1 || evicted[0] != named {
		t.Fatalf("Sweep() after 2h = %v, want the named session", evicted)
	}
	if r.Get(admin.ID) == nil {
		t.Error("admin sessions are never evicted")
	}
	if r.HasIdentity("A") {
		t.Error("evicted identity should be released")
	}
	if len(calls) != 2 {
		t.Errorf("evict callback calls = %d, want 2", len(calls))
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	r, clock := newTestRegistry(t)
	s, _ := r.Register(&fakeConn{}, RoleStandard, "")

	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Second)
		r.Touch(s)
		if got := r.Sweep(); len(got) != 0 {
			t.Fatalf("touched session evicted after %d rounds", i+1)
		}
	}
	if !s.LastActive().Equal(clock.Now()) {
		t.Errorf("LastActive() = %v, want %v", s.LastActive(), clock.Now())
	}
}

func TestSweepLoopRuns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Liveness.AnonymousTimeout = time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	r := NewRegistry(cfg, testLogger())
	defer r.Shutdown()

	evicted := make(chan int, 1)
	r.SetOnEvict(func(s []*Session) {
		select {
		case evicted <- len(s):
		default:
		}
	})
	_, _ = r.Register(&fakeConn{}, RoleStandard, "")

	select {
	case n := <-evicted:
		if n != 1 {
			t.Errorf("evicted %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop never evicted the idle session")
	}
}

func TestSessionsReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _ = r.Register(&fakeConn{}, RoleStandard, "")
	_, _ = r.Register(&fakeConn{}, RoleAdmin, "")

	admins := r.Sessions(func(s *Session) bool { return s.IsAdmin() })
	if len(admins) != 1 {
		t.Fatalf("Sessions(admin) = %d, want 1", len(admins))
	}
	all := r.Sessions(nil)
	all[0] = nil
	for _, s := range r.Sessions(nil) {
		if s == nil {
			t.Fatal("Sessions() must return a copy")
		}
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	c := &fakeConn{}
	_, _ = r.Register(c, RoleStandard, "")

	r.Shutdown()
	r.Shutdown()

	if !c.isClosed() {
		t.Error("Shutdown() should close channels")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d after shutdown", r.Count())
	}
}
