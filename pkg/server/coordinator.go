package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/liveballot/pkg/archive"
	"github.com/vango-dev/liveballot/pkg/ballot"
	"github.com/vango-dev/liveballot/pkg/broadcast"
	"github.com/vango-dev/liveballot/pkg/protocol"
	"github.com/vango-dev/liveballot/pkg/session"
	"github.com/vango-dev/liveballot/pkg/tally"
)

const tracerName = "github.com/vango-dev/liveballot/pkg/server"

// HubConfig wires a Hub.
type HubConfig struct {
	Registry       *session.Config
	Ballot         ballot.Ballot
	LedgerPolicy   tally.LedgerPolicy
	Archiver       archive.Archiver
	ArchiveTimeout time.Duration
	Metrics        *Metrics
	Tracer         trace.Tracer
}

// Hub coordinates sessions, the ballot and the tally.
//
// Every mutation that is followed by a fan-out runs under publishMu, from
// the mutation through the last enqueue. Recipients therefore see frames in
// mutation order, and a tally is never delivered ahead of its ballot.
type Hub struct {
	registry *session.Registry
	ballots  *ballot.Store
	tally    *tally.Engine
	dispatch *broadcast.Dispatcher
	archive  *archive.Worker
	policy   tally.LedgerPolicy

	publishMu sync.Mutex
	closed    atomic.Bool

	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewHub creates a hub and starts its registry sweep.
func NewHub(config *HubConfig, logger *slog.Logger) *Hub {
	if config == nil {
		config = &HubConfig{Ballot: ballot.Default()}
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := tally.ParseLedgerPolicy(string(config.LedgerPolicy))
	if err != nil {
		logger.Warn("unknown ledger policy, pruning disconnected votes", "policy", config.LedgerPolicy)
		policy = tally.PruneDisconnected
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewMetrics(WithRegistry(prometheus.NewRegistry()))
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	archiver := config.Archiver
	if archiver == nil {
		archiver = archive.LogArchiver{Logger: logger}
	}

	initial := config.Ballot
	if initial.Len() == 0 {
		initial = ballot.Default()
	}

	store := ballot.NewStore(initial)
	registry := session.NewRegistry(config.Registry, logger)
	h := &Hub{
		registry: registry,
		ballots:  store,
		tally:    tally.NewEngine(store),
		dispatch: broadcast.New(registry, logger),
		archive:  archive.NewWorker(archiver, config.ArchiveTimeout, logger),
		policy:   policy,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "hub"),
	}

	h.dispatch.SetHooks(metrics.broadcastHooks())
	h.archive.SetOnError(func(error) { metrics.archiveErrors.Inc() })
	h.tally.OnReset(func(r tally.Result) { h.archive.Submit(archive.FromResult(r)) })
	registry.SetOnEvict(h.onEvict)

	return h
}

// Registry returns the session registry.
func (h *Hub) Registry() *session.Registry { return h.registry }

// Ballots returns the ballot store.
func (h *Hub) Ballots() *ballot.Store { return h.ballots }

// Tally returns the tally engine.
func (h *Hub) Tally() *tally.Engine { return h.tally }

// Connect registers a session for conn, sends it the current ballot and
// broadcasts the tally. On failure conn is closed and nothing is sent.
func (h *Hub) Connect(conn session.Conn, role session.Role, remoteAddr string) (*session.Session, error) {
	if h.closed.Load() {
		conn.Close()
		return nil, ErrServerClosed
	}

	// Registering under publishMu keeps concurrent fan-outs from reaching
	// the session before its ballot.
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	s, err := h.registry.Register(conn, role, remoteAddr)
	if err != nil {
		conn.Close()
		h.logger.Warn("session rejected", "role", role, "remote_addr", remoteAddr, "error", err)
		return nil, err
	}
	h.metrics.sessionOpened(role)

	h.logger.Info("session connected",
		"session_id", s.ID,
		"role", role,
		"remote_addr", remoteAddr)

	h.dispatch.ToOne(protocol.CodeSetBallot, ballotData(h.ballots.Current()), s)
	h.broadcastStateLocked()
	return s, nil
}

// HandleMessage processes one inbound frame. The returned error is for
// logging and tracing only; the session stays active whatever it is.
func (h *Hub) HandleMessage(ctx context.Context, s *session.Session, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.malformed.Inc()
		h.logger.Warn("malformed message", "session_id", s.ID, "error", err)
		return NewSessionError(s.ID, "decode", err)
	}

	_, span := h.tracer.Start(ctx, "liveballot."+codeLabel(msg.Code),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("liveballot.session_id", s.ID),
			attribute.String("liveballot.role", s.Role.String()),
			attribute.String("liveballot.code", msg.Code),
		))
	defer span.End()

	h.metrics.message(msg.Code)
	h.registry.Touch(s)
	if msg.HasUserID() && h.registry.BindIdentity(s, msg.UserID) {
		h.logger.Debug("identity bound", "session_id", s.ID, "user_id", msg.UserID)
	}

	switch msg.Code {
	case protocol.CodeVote:
		err = h.handleVote(s, msg)
	case protocol.CodeSetBallot:
		err = h.handleSetBallot(s, msg)
	case protocol.CodeHeartbeat:
	default:
		h.logger.Debug("ignoring message", "session_id", s.ID, "code", msg.Code)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Info("message rejected", "session_id", s.ID, "code", msg.Code, "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (h *Hub) handleVote(s *session.Session, msg *protocol.Message) error {
	choice, err := msg.Choice()
	if err != nil {
		h.metrics.votesTotal.WithLabelValues("invalid_payload").Inc()
		return NewSessionError(s.ID, "vote", err)
	}
	identifier, _ := s.Identifier()

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	if err := h.tally.CastVote(identifier, choice); err != nil {
		h.metrics.votesTotal.WithLabelValues(voteResult(err)).Inc()
		return NewSessionError(s.ID, "vote", err)
	}
	h.metrics.votesTotal.WithLabelValues("accepted").Inc()
	h.broadcastStateLocked()
	return nil
}

func (h *Hub) handleSetBallot(s *session.Session, msg *protocol.Message) error {
	if !s.IsAdmin() {
		h.metrics.ballotsTotal.WithLabelValues("forbidden").Inc()
		return NewSessionError(s.ID, "setBallot", ErrNotAdmin)
	}
	var spec ballot.Spec
	payload, err := msg.Ballot()
	if err == nil {
		spec, err = specFromPayload(payload)
	}
	if err != nil {
		h.metrics.ballotsTotal.WithLabelValues("rejected").Inc()
		return NewSessionError(s.ID, "setBallot", err)
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	b, err := h.ballots.Replace(spec)
	if err != nil {
		h.metrics.ballotsTotal.WithLabelValues("rejected").Inc()
		return NewSessionError(s.ID, "setBallot", err)
	}
	h.metrics.ballotsTotal.WithLabelValues("published").Inc()
	h.logger.Info("ballot published",
		"session_id", s.ID,
		"question", b.Question,
		"choices", b.Len(),
		"expires", b.Expires)

	h.dispatch.ToAll(protocol.CodeSetBallot, ballotData(b))
	h.broadcastStateLocked()
	return nil
}

// Disconnect unregisters s. The tally is rebroadcast only if s was still
// registered, so a session already removed by the sweep is not counted
// twice.
func (h *Hub) Disconnect(s *session.Session) {
	removed := h.registry.Unregister(s)
	s.Close()
	if !removed {
		return
	}
	h.metrics.sessionClosed(s.Role)
	h.logger.Info("session disconnected", "session_id", s.ID)

	if h.closed.Load() {
		return
	}
	h.publishMu.Lock()
	defer h.publishMu.Unlock()
	h.applyLedgerPolicy()
	h.broadcastStateLocked()
}

func (h *Hub) onEvict(evicted []*session.Session) {
	h.metrics.sessionsEvictedBy(evicted)

	h.publishMu.Lock()
	defer h.publishMu.Unlock()
	h.applyLedgerPolicy()
	h.broadcastStateLocked()
}

func (h *Hub) applyLedgerPolicy() {
	if !h.policy.PrunesOnDisconnect() {
		return
	}
	if n := h.tally.Prune(h.registry.HasIdentity); n > 0 {
		h.logger.Debug("pruned orphaned votes", "count", n)
	}
}

// broadcastStateLocked sends the tally to everyone and the metadata to
// admins. Caller holds publishMu.
func (h *Hub) broadcastStateLocked() {
	h.dispatch.ToAll(protocol.CodeSetVotes, h.tally.Snapshot())
	h.metrics.voters.Set(float64(h.tally.Voters()))
	st := h.registry.Stats()
	h.dispatch.ToAdmins(protocol.CodeMetadata, protocol.Metadata{
		Connections: st.Connections,
		Users:       st.Users,
	})
}

// Shutdown closes every session, stops the sweep and waits for pending
// archive writes until ctx ends.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.registry.Shutdown()
	return h.archive.Wait(ctx)
}

func voteResult(err error) string {
	switch {
	case errors.Is(err, tally.ErrInvalidChoice):
		return "invalid_choice"
	case errors.Is(err, tally.ErrBallotExpired):
		return "expired"
	case errors.Is(err, tally.ErrNoIdentity):
		return "no_identity"
	default:
		return "rejected"
	}
}

func ballotData(b ballot.Ballot) protocol.BallotData {
	data := protocol.BallotData{
		Question: b.Question,
		Choices:  b.Choices,
	}
	if b.HasExpiry() {
		expires := b.Expires.Unix()
		duration := int64(b.Duration() / time.Second)
		data.Expires = &expires
		data.Duration = &duration
	}
	return data
}

// maxDurationSeconds is the longest duration representable as a
// time.Duration.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

func specFromPayload(p *protocol.BallotPayload) (ballot.Spec, error) {
	spec := ballot.Spec{
		Question: p.Question,
		Choices:  p.Choices,
	}
	if p.Expires != nil {
		spec.Expires = time.Unix(*p.Expires, 0)
	}
	if p.Duration != nil {
		d := *p.Duration
		if d > maxDurationSeconds || d < -maxDurationSeconds {
			return ballot.Spec{}, fmt.Errorf("%w: duration %d out of range", protocol.ErrInvalidPayload, d)
		}
		spec.Duration = time.Duration(d) * time.Second
	}
	return spec, nil
}
