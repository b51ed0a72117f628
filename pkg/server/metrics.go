package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/liveballot/pkg/broadcast"
	"github.com/vango-dev/liveballot/pkg/protocol"
	"github.com/vango-dev/liveballot/pkg/session"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "liveballot").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the server's collectors.
//
// Metrics collected:
//   - liveballot_active_sessions: Gauge of registered sessions by role
//   - liveballot_sessions_total: Counter of accepted sessions by role
//   - liveballot_sessions_evicted_total: Counter of sessions removed by the sweep
//   - liveballot_messages_total: Counter of decoded inbound messages by code
//   - liveballot_malformed_messages_total: Counter of undecodable frames
//   - liveballot_votes_total: Counter of votes by result
//   - liveballot_ballots_published_total: Counter of setBallot requests by result
//   - liveballot_broadcast_messages_total: Counter of delivered frames by scope
//   - liveballot_broadcast_send_errors_total: Counter of failed sends by reason
//   - liveballot_archive_errors_total: Counter of failed result archive writes
//   - liveballot_voters: Gauge of identifiers with a counted vote
type Metrics struct {
	activeSessions  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	sessionsEvicted prometheus.Counter
	messagesTotal   *prometheus.CounterVec
	malformed       prometheus.Counter
	votesTotal      *prometheus.CounterVec
	ballotsTotal    *prometheus.CounterVec
	broadcastTotal  *prometheus.CounterVec
	sendErrors      *prometheus.CounterVec
	archiveErrors   prometheus.Counter
	voters          prometheus.Gauge
}

// NewMetrics registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "liveballot",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		activeSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_sessions",
			Help:        "Number of registered sessions",
			ConstLabels: config.ConstLabels,
		}, []string{"role"}),
		sessionsTotal:   counterVec("sessions_total", "Total number of accepted sessions", "role"),
		sessionsEvicted: counter("sessions_evicted_total", "Total number of sessions evicted as idle"),
		messagesTotal:   counterVec("messages_total", "Total number of decoded inbound messages", "code"),
		malformed:       counter("malformed_messages_total", "Total number of inbound frames that failed to decode"),
		votesTotal:      counterVec("votes_total", "Total number of votes by result", "result"),
		ballotsTotal:    counterVec("ballots_published_total", "Total number of setBallot requests by result", "result"),
		broadcastTotal:  counterVec("broadcast_messages_total", "Total number of frames delivered to sessions", "scope"),
		sendErrors:      counterVec("broadcast_send_errors_total", "Total number of failed sends", "reason"),
		archiveErrors:   counter("archive_errors_total", "Total number of failed result archive writes"),
		voters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "voters",
			Help:        "Number of identifiers with a counted vote on the current ballot",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) sessionOpened(role session.Role) {
	m.sessionsTotal.WithLabelValues(role.String()).Inc()
	m.activeSessions.WithLabelValues(role.String()).Inc()
}

func (m *Metrics) sessionClosed(role session.Role) {
	m.activeSessions.WithLabelValues(role.String()).Dec()
}

func (m *Metrics) sessionsEvictedBy(sessions []*session.Session) {
	for _, s := range sessions {
		m.sessionClosed(s.Role)
	}
	m.sessionsEvicted.Add(float64(len(sessions)))
}

func (m *Metrics) message(code string) {
	m.messagesTotal.WithLabelValues(codeLabel(code)).Inc()
}

func (m *Metrics) broadcastHooks() broadcast.Hooks {
	return broadcast.Hooks{
		OnDelivered: func(scope broadcast.Scope, n int) {
			m.broadcastTotal.WithLabelValues(string(scope)).Add(float64(n))
		},
		OnSendError: func(_ broadcast.Scope, err error) {
			m.sendErrors.WithLabelValues(broadcast.Reason(err)).Inc()
		},
	}
}

// codeLabel bounds label cardinality to the known message codes.
func codeLabel(code string) string {
	switch code {
	case protocol.CodeVote, protocol.CodeSetBallot, protocol.CodeHeartbeat:
		return code
	default:
		return "unknown"
	}
}
