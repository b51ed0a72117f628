package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/vango-dev/liveballot/internal/errors"
	"github.com/vango-dev/liveballot/pkg/archive"
	"github.com/vango-dev/liveballot/pkg/ballot"
	"github.com/vango-dev/liveballot/pkg/server"
	"github.com/vango-dev/liveballot/pkg/tally"
)

// Environment names with a special meaning.
const (
	EnvLocal = "local"
	EnvProd  = "prod"
)

// Config is the liveballot configuration.
type Config struct {
	Env     string        `yaml:"env" env:"LIVEBALLOT_ENV" env-default:"local" env-description:"deployment environment (local, prod)"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Tally   TallyConfig   `yaml:"tally"`
	Ballot  BallotConfig  `yaml:"ballot"`
	Archive ArchiveConfig `yaml:"archive"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level string `yaml:"level" env:"LIVEBALLOT_LOG_LEVEL" env-default:"info"`

	// Format is text or json. Empty picks text for the local environment
	// and json everywhere else.
	Format string `yaml:"format" env:"LIVEBALLOT_LOG_FORMAT"`
}

// ServerConfig configures the HTTP listener and its endpoints.
type ServerConfig struct {
	Address         string        `yaml:"address" env:"LIVEBALLOT_SERVER_ADDRESS" env-default:":8080"`
	StandardPath    string        `yaml:"standard_path" env:"LIVEBALLOT_SERVER_STANDARD_PATH" env-default:"/"`
	AdminPath       string        `yaml:"admin_path" env:"LIVEBALLOT_SERVER_ADMIN_PATH" env-default:"/admin"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"LIVEBALLOT_SERVER_ALLOWED_ORIGINS"`
	TrustedProxies  []string      `yaml:"trusted_proxies" env:"LIVEBALLOT_SERVER_TRUSTED_PROXIES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LIVEBALLOT_SERVER_SHUTDOWN_TIMEOUT" env-default:"30s"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig enables TLS when both files are set.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"LIVEBALLOT_TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"LIVEBALLOT_TLS_KEY_FILE"`
}

// SessionConfig holds liveness and transport limits.
type SessionConfig struct {
	AnonymousTimeout  time.Duration `yaml:"anonymous_timeout" env:"LIVEBALLOT_SESSION_ANONYMOUS_TIMEOUT" env-default:"10s"`
	NamedTimeout      time.Duration `yaml:"named_timeout" env:"LIVEBALLOT_SESSION_NAMED_TIMEOUT" env-default:"1h"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"LIVEBALLOT_SESSION_SWEEP_INTERVAL" env-default:"10s"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"LIVEBALLOT_SESSION_READ_TIMEOUT" env-default:"60s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"LIVEBALLOT_SESSION_WRITE_TIMEOUT" env-default:"10s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"LIVEBALLOT_SESSION_HEARTBEAT_INTERVAL" env-default:"30s"`
	MaxMessageSize    int64         `yaml:"max_message_size" env:"LIVEBALLOT_SESSION_MAX_MESSAGE_SIZE" env-default:"65536"`
	SendQueueSize     int           `yaml:"send_queue_size" env:"LIVEBALLOT_SESSION_SEND_QUEUE_SIZE" env-default:"64"`
	MaxSessions       int           `yaml:"max_sessions" env:"LIVEBALLOT_SESSION_MAX_SESSIONS"`
}

// TallyConfig holds the ledger policy.
type TallyConfig struct {
	LedgerPolicy string `yaml:"ledger_policy" env:"LIVEBALLOT_TALLY_LEDGER_POLICY" env-default:"prune"`
}

// BallotConfig is the ballot served before an admin publishes one. Leaving
// both fields empty serves the built-in placeholder.
type BallotConfig struct {
	Question string   `yaml:"question" env:"LIVEBALLOT_BALLOT_QUESTION"`
	Choices  []string `yaml:"choices" env:"LIVEBALLOT_BALLOT_CHOICES"`
}

// ArchiveConfig configures where closed ballots go.
type ArchiveConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"LIVEBALLOT_ARCHIVE_TIMEOUT" env-default:"30s"`
	S3      S3Config      `yaml:"s3"`
}

// S3Config mirrors archive.S3Config. An empty bucket disables S3.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"LIVEBALLOT_S3_BUCKET"`
	Prefix          string `yaml:"prefix" env:"LIVEBALLOT_S3_PREFIX" env-default:"ballots/"`
	Region          string `yaml:"region" env:"LIVEBALLOT_S3_REGION"`
	Endpoint        string `yaml:"endpoint" env:"LIVEBALLOT_S3_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"LIVEBALLOT_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"LIVEBALLOT_S3_SECRET_ACCESS_KEY"`
}

// Load reads configuration from path, then applies LIVEBALLOT_* overrides.
// An empty path configures from the environment alone. The result is
// validated.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, errors.New("E102").Wrap(err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New("E100").WithDetailf("No config file at %s.", path)
			}
			return nil, errors.New("E101").Wrap(err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, errors.New("E101").
				WithDetailf("Failed to parse %s.", path).
				Wrap(err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage writes the supported environment variables to w.
func Usage(w io.Writer) error {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, text)
	return err
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return errors.New("E109").WithField("log.level").Wrap(err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.New("E109").WithField("log.format").
			WithDetailf("Unknown log format %q.", c.Log.Format)
	}

	if err := c.validatePaths(); err != nil {
		return err
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		field := "server.tls.key_file"
		if c.Server.TLS.CertFile == "" {
			field = "server.tls.cert_file"
		}
		return errors.New("E104").WithField(field)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("E102").WithField("server.shutdown_timeout").
			WithDetail("The shutdown timeout must be positive.")
	}

	s := c.Session
	timeouts := []struct {
		field string
		d     time.Duration
	}{
		{"session.anonymous_timeout", s.AnonymousTimeout},
		{"session.named_timeout", s.NamedTimeout},
		{"session.sweep_interval", s.SweepInterval},
		{"session.read_timeout", s.ReadTimeout},
		{"session.write_timeout", s.WriteTimeout},
		{"session.heartbeat_interval", s.HeartbeatInterval},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return errors.New("E106").WithField(t.field)
		}
	}
	if s.AnonymousTimeout >= s.NamedTimeout {
		return errors.New("E106").WithField("session.anonymous_timeout").
			WithDetailf("Anonymous timeout %s must be shorter than named timeout %s.", s.AnonymousTimeout, s.NamedTimeout)
	}
	if s.MaxMessageSize <= 0 {
		return errors.New("E102").WithField("session.max_message_size").
			WithDetail("The message size limit must be positive.")
	}
	if s.SendQueueSize < 1 {
		return errors.New("E102").WithField("session.send_queue_size").
			WithDetail("The send queue needs room for at least one frame.")
	}
	if s.MaxSessions < 0 {
		return errors.New("E102").WithField("session.max_sessions").
			WithDetail("Use 0 for no limit.")
	}

	if _, err := tally.ParseLedgerPolicy(c.Tally.LedgerPolicy); err != nil {
		return errors.New("E105").WithField("tally.ledger_policy").Wrap(err)
	}

	if c.Ballot.Question != "" || len(c.Ballot.Choices) > 0 {
		if len(c.Ballot.Choices) == 0 || len(c.Ballot.Choices) > ballot.MaxChoices {
			return errors.New("E107").WithField("ballot.choices").
				WithDetailf("A ballot needs between 1 and %d choices.", ballot.MaxChoices)
		}
	}

	if c.Archive.Timeout <= 0 {
		return errors.New("E102").WithField("archive.timeout").
			WithDetail("The archive timeout must be positive.")
	}
	s3 := c.Archive.S3
	if s3.Bucket != "" && s3.Region == "" {
		return errors.New("E108").WithField("archive.s3.region")
	}
	if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
		return errors.New("E108").WithField("archive.s3.access_key_id")
	}
	return nil
}

func (c *Config) validatePaths() error {
	paths := []struct {
		field, path string
	}{
		{"server.standard_path", c.Server.StandardPath},
		{"server.admin_path", c.Server.AdminPath},
	}
	for _, p := range paths {
		if !strings.HasPrefix(p.path, "/") {
			return errors.New("E103").WithField(p.field).
				WithDetailf("Path %q must start with '/'.", p.path)
		}
		if p.path == "/metrics" || p.path == "/healthz" {
			return errors.New("E103").WithField(p.field).
				WithDetailf("Path %q is reserved.", p.path)
		}
	}
	if c.Server.StandardPath == c.Server.AdminPath {
		return errors.New("E103").WithField("server.admin_path").
			WithDetailf("Both endpoints are %q.", c.Server.AdminPath)
	}
	return nil
}

// ServerConfig converts c into a server configuration. The archiver,
// logger and observability hooks are left for the caller.
func (c *Config) ServerConfig() (*server.ServerConfig, error) {
	policy, err := tally.ParseLedgerPolicy(c.Tally.LedgerPolicy)
	if err != nil {
		return nil, errors.New("E105").WithField("tally.ledger_policy").Wrap(err)
	}

	sc := &server.ServerConfig{
		Address:         c.Server.Address,
		StandardPath:    c.Server.StandardPath,
		AdminPath:       c.Server.AdminPath,
		AllowedOrigins:  c.Server.AllowedOrigins,
		TrustedProxies:  c.Server.TrustedProxies,
		TLSCertFile:     c.Server.TLS.CertFile,
		TLSKeyFile:      c.Server.TLS.KeyFile,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		SessionConfig: &server.SessionConfig{
			AnonymousTimeout:  c.Session.AnonymousTimeout,
			NamedTimeout:      c.Session.NamedTimeout,
			SweepInterval:     c.Session.SweepInterval,
			ReadTimeout:       c.Session.ReadTimeout,
			WriteTimeout:      c.Session.WriteTimeout,
			HeartbeatInterval: c.Session.HeartbeatInterval,
			MaxMessageSize:    c.Session.MaxMessageSize,
			SendQueueSize:     c.Session.SendQueueSize,
			MaxSessions:       c.Session.MaxSessions,
		},
		LedgerPolicy:   policy,
		ArchiveTimeout: c.Archive.Timeout,
	}

	if c.Ballot.Question != "" || len(c.Ballot.Choices) > 0 {
		b, err := ballot.Spec{Question: c.Ballot.Question, Choices: c.Ballot.Choices}.Validate(time.Now())
		if err != nil {
			return nil, errors.New("E107").WithField("ballot.choices").Wrap(err)
		}
		sc.Ballot = &b
	}
	return sc, nil
}

// S3 returns the archive settings for NewS3Client.
func (c *Config) S3() archive.S3Config {
	return archive.S3Config{
		Bucket:          c.Archive.S3.Bucket,
		Prefix:          c.Archive.S3.Prefix,
		Region:          c.Archive.S3.Region,
		Endpoint:        c.Archive.S3.Endpoint,
		AccessKeyID:     c.Archive.S3.AccessKeyID,
		SecretAccessKey: c.Archive.S3.SecretAccessKey,
	}
}

// NewLogger builds the slog logger described by c.Log, writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := c.Log.Format
	if format == "" {
		format = "json"
		if c.Env == EnvLocal {
			format = "text"
		}
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("env", c.Env)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}
