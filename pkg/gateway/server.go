// Package gateway exposes the streaming subsystem over HTTP: server-sent
// event streams for live queries, a synchronous collection endpoint, the
// session control surface, and a websocket forwarder.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halverson/streamd/internal/metrics"
	"github.com/halverson/streamd/pkg/cache"
	"github.com/halverson/streamd/pkg/session"
	"github.com/halverson/streamd/pkg/stream"
	"github.com/halverson/streamd/pkg/tracker"
)

// Config holds server configuration.
type Config struct {
	Port      int
	Generator *stream.Generator
	Store     *session.Store
	Tracker   *tracker.Tracker
	// Metrics is optional; when set /metrics is served.
	Metrics *metrics.Metrics
	// Cache is optional; when set /healthz reports its reachability.
	Cache cache.Cache
	// Manifest is announced in every stream's init event.
	Manifest stream.Manifest
	Logger   zerolog.Logger
	// ShutdownGrace bounds how long Stop waits for in-flight streams.
	ShutdownGrace time.Duration
}

// Server is the HTTP gateway.
type Server struct {
	port          int
	generator     *stream.Generator
	store         *session.Store
	tracker       *tracker.Tracker
	metrics       *metrics.Metrics
	cache         cache.Cache
	manifest      stream.Manifest
	logger        zerolog.Logger
	shutdownGrace time.Duration

	server   *http.Server
	upgrader websocket.Upgrader

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("gateway: invalid port: %d", cfg.Port)
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("gateway: generator is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: session store is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("gateway: tracker is required")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	return &Server{
		port:          cfg.Port,
		generator:     cfg.Generator,
		store:         cfg.Store,
		tracker:       cfg.Tracker,
		metrics:       cfg.Metrics,
		cache:         cfg.Cache,
		manifest:      cfg.Manifest,
		logger:        cfg.Logger.With().Str("component", "gateway").Logger(),
		shutdownGrace: cfg.ShutdownGrace,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the route table. Exposed separately from Start so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/query", s.guard(s.handleQuery))
	mux.HandleFunc("POST /v1/query/sync", s.guard(s.handleQuerySync))
	mux.HandleFunc("GET /v1/sessions", s.guard(s.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", s.guard(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.guard(s.handleDeleteSession))
	mux.HandleFunc("POST /v1/sessions/{id}/interrupt", s.guard(s.handleInterrupt))
	mux.HandleFunc("GET /ws", s.guard(s.handleWebSocket))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Start starts serving. Non-blocking; errors after bind are logged.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop refuses new work, waits out in-flight streams up to the grace
// period, then shuts the listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight streams completed")
	case <-time.After(s.shutdownGrace):
		s.logger.Warn().Msg("Shutdown grace period reached, forcing close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// guard rejects requests during shutdown and tracks in-flight handlers.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.cache.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","cache":"unreachable"}`))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
