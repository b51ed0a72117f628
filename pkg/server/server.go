package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/liveballot/pkg/ballot"
	"github.com/vango-dev/liveballot/pkg/session"
)

// Server accepts ballot channels over WebSocket.
type Server struct {
	config    *ServerConfig
	endpoints session.Endpoints
	hub       *Hub
	metrics   *Metrics
	proxies   *proxySet

	router   chi.Router
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server

	logger *slog.Logger
}

// New creates a server. config may be nil; unset fields take their defaults.
// The config is copied, so later changes by the caller have no effect.
func New(config *ServerConfig) *Server {
	cfg := DefaultServerConfig()
	if config != nil {
		c := *config
		if c.SessionConfig != nil {
			sc := *c.SessionConfig
			c.SessionConfig = &sc
		}
		cfg = &c
	}
	cfg.applyDefaults()

	logger := cfg.Logger.With("component", "server")
	metrics := NewMetrics(WithRegistry(cfg.MetricsRegistry))

	initial := ballot.Default()
	if cfg.Ballot != nil {
		initial = *cfg.Ballot
	}

	hubConfig := &HubConfig{
		Registry:       cfg.SessionConfig.registryConfig(),
		Ballot:         initial,
		LedgerPolicy:   cfg.LedgerPolicy,
		Archiver:       cfg.Archiver,
		ArchiveTimeout: cfg.ArchiveTimeout,
		Metrics:        metrics,
	}
	if cfg.TracerProvider != nil {
		hubConfig.Tracer = cfg.TracerProvider.Tracer(tracerName)
	}

	s := &Server{
		config:    cfg,
		endpoints: cfg.Endpoints(),
		hub:       NewHub(hubConfig, cfg.Logger),
		metrics:   metrics,
		proxies:   newProxySet(cfg.TrustedProxies, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(s.config.StandardPath, s.HandleWebSocket)
	r.Get(s.config.AdminPath, s.HandleWebSocket)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.NotFound(http.NotFound)
	return r
}

// Handler returns the HTTP handler serving the endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the session coordinator.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Config returns the effective configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// HandleWebSocket upgrades a request on a ballot endpoint. Paths that map
// to no role are answered with 404 and never upgraded.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	role, err := s.endpoints.RoleFor(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}

	sc := s.config.SessionConfig
	wc := newWSConn(conn, sc, s.logger)
	go wc.WriteLoop()

	sess, err := s.hub.Connect(wc, role, s.proxies.clientIP(r))
	if err != nil {
		return
	}
	s.readLoop(wc, sess)
}

// readLoop delivers inbound frames to the hub until the channel ends.
// End of stream and transport faults are handled the same way.
func (s *Server) readLoop(wc *wsConn, sess *session.Session) {
	defer s.hub.Disconnect(sess)

	sc := s.config.SessionConfig
	logger := s.logger.With("session_id", sess.ID)
	conn := wc.conn
	conn.SetReadLimit(sc.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(sc.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(sc.ReadTimeout))
	})

	ctx := context.Background()
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) && !wc.Closed() {
				logger.Warn("read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(sc.ReadTimeout))

		if msgType != websocket.TextMessage {
			logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		_ = s.hub.HandleMessage(ctx, sess, msg)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Run listens until ctx is cancelled or the process receives SIGINT or
// SIGTERM, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.config.ValidateConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			"address", s.config.Address,
			"standard_path", s.config.StandardPath,
			"admin_path", s.config.AdminPath,
			"tls", s.config.TLSEnabled())
		if s.config.TLSEnabled() {
			errCh <- srv.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		_ = s.hub.Shutdown(context.Background())
		return err

	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every session and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.hub.Shutdown(ctx); err != nil {
		s.logger.Warn("pending archive writes abandoned", "error", err)
	}

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
