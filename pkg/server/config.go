package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/liveballot/pkg/archive"
	"github.com/vango-dev/liveballot/pkg/ballot"
	"github.com/vango-dev/liveballot/pkg/session"
	"github.com/vango-dev/liveballot/pkg/tally"
)

// SessionConfig holds configuration for individual sessions.
type SessionConfig struct {
	// Liveness

	// AnonymousTimeout evicts sessions that never claimed an identifier.
	// Default: 10 seconds.
	AnonymousTimeout time.Duration

	// NamedTimeout evicts identified sessions.
	// Default: 1 hour.
	NamedTimeout time.Duration

	// SweepInterval is the period of the liveness sweep.
	// Default: 10 seconds.
	SweepInterval time.Duration

	// Transport

	// ReadTimeout is the maximum silence on the channel, pongs included.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when writing a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between server pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming message.
	// Default: 64KB.
	MaxMessageSize int64

	// SendQueueSize is the outbound buffer per session. A full queue drops
	// the frame.
	// Default: 64.
	SendQueueSize int

	// MaxSessions caps concurrent sessions. 0 means no limit.
	MaxSessions int
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		AnonymousTimeout:  10 * time.Second,
		NamedTimeout:      time.Hour,
		SweepInterval:     10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendQueueSize:     64,
	}
}

func (c *SessionConfig) registryConfig() *session.Config {
	return &session.Config{
		Liveness: session.Liveness{
			AnonymousTimeout: c.AnonymousTimeout,
			NamedTimeout:     c.NamedTimeout,
		},
		SweepInterval: c.SweepInterval,
		MaxSessions:   c.MaxSessions,
	}
}

func (c *SessionConfig) applyDefaults() {
	d := DefaultSessionConfig()
	if c.AnonymousTimeout == 0 {
		c.AnonymousTimeout = d.AnonymousTimeout
	}
	if c.NamedTimeout == 0 {
		c.NamedTimeout = d.NamedTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = d.SendQueueSize
	}
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on.
	// Default: ":8080".
	Address string

	// StandardPath and AdminPath select the session role on upgrade.
	// Default: "/" and "/admin".
	StandardPath string
	AdminPath    string

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	// Default: 4096.
	ReadBufferSize  int
	WriteBufferSize int

	// AllowedOrigins lists the origins allowed to connect. "*" allows any
	// origin. Ignored when CheckOrigin is set.
	// Default: nil (same origin only).
	AllowedOrigins []string

	// CheckOrigin overrides origin validation.
	CheckOrigin func(r *http.Request) bool

	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are
	// believed when logging client addresses.
	TrustedProxies []string

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// Voting

	// Ballot is served until an admin publishes one.
	// Default: ballot.Default().
	Ballot *ballot.Ballot

	// LedgerPolicy decides whether votes survive their session.
	// Default: tally.PruneDisconnected.
	LedgerPolicy tally.LedgerPolicy

	// Archiver receives the final results of every replaced ballot.
	// Default: archive.LogArchiver.
	Archiver archive.Archiver

	// ArchiveTimeout bounds each archive write.
	// Default: 30 seconds.
	ArchiveTimeout time.Duration

	// Observability

	// MetricsRegistry collects the server's metrics and backs /metrics.
	// Default: a fresh registry per server.
	MetricsRegistry *prometheus.Registry

	// TracerProvider creates the message tracer.
	// Default: the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		StandardPath:    "/",
		AdminPath:       "/admin",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		ShutdownTimeout: 30 * time.Second,
		SessionConfig:   DefaultSessionConfig(),
		LedgerPolicy:    tally.PruneDisconnected,
		ArchiveTimeout:  30 * time.Second,
	}
}

// applyDefaults fills every unset field of c.
func (c *ServerConfig) applyDefaults() {
	d := DefaultServerConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.StandardPath == "" {
		c.StandardPath = d.StandardPath
	}
	if c.AdminPath == "" {
		c.AdminPath = d.AdminPath
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.SessionConfig == nil {
		c.SessionConfig = d.SessionConfig
	} else {
		c.SessionConfig.applyDefaults()
	}
	if c.LedgerPolicy == "" {
		c.LedgerPolicy = d.LedgerPolicy
	}
	if c.ArchiveTimeout == 0 {
		c.ArchiveTimeout = d.ArchiveTimeout
	}
	if c.MetricsRegistry == nil {
		c.MetricsRegistry = prometheus.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = OriginChecker(c.AllowedOrigins)
	}
}

// reservedPaths are served by the server itself.
var reservedPaths = []string{"/metrics", "/healthz"}

// ValidateConfig reports the first invalid setting.
func (c *ServerConfig) ValidateConfig() error {
	for _, p := range []string{c.StandardPath, c.AdminPath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: endpoint path %q must start with /", ErrInvalidConfig, p)
		}
		for _, r := range reservedPaths {
			if p == r {
				return fmt.Errorf("%w: endpoint path %q is reserved", ErrInvalidConfig, p)
			}
		}
	}
	if c.StandardPath == c.AdminPath {
		return fmt.Errorf("%w: standard and admin paths are both %q", ErrInvalidConfig, c.StandardPath)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("%w: TLS needs both a certificate and a key", ErrInvalidConfig)
	}
	if _, err := tally.ParseLedgerPolicy(string(c.LedgerPolicy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	sc := c.SessionConfig
	if sc == nil {
		return nil
	}
	if sc.AnonymousTimeout <= 0 || sc.NamedTimeout <= 0 || sc.SweepInterval <= 0 {
		return fmt.Errorf("%w: liveness timeouts and sweep interval must be positive", ErrInvalidConfig)
	}
	if sc.AnonymousTimeout > sc.NamedTimeout {
		return fmt.Errorf("%w: anonymous timeout %s exceeds named timeout %s", ErrInvalidConfig, sc.AnonymousTimeout, sc.NamedTimeout)
	}
	if sc.SendQueueSize < 1 {
		return fmt.Errorf("%w: send queue size must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// TLSEnabled reports whether Run serves TLS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Endpoints returns the path-to-role mapping.
func (c *ServerConfig) Endpoints() session.Endpoints {
	return session.Endpoints{Standard: c.StandardPath, Admin: c.AdminPath}
}

// SameOriginCheck accepts requests without an Origin header and requests
// whose Origin host matches the Host header.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return r.Host != "" && u.Host == r.Host
}

// OriginChecker builds a CheckOrigin function from an allow list.
// An empty list means SameOriginCheck.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return SameOriginCheck
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok || SameOriginCheck(r)
	}
}
