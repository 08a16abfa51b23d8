// Package server exposes a conversation over HTTP: session lifecycle, a
// streaming chat endpoint, the memory store and replay of recorded sessions.
//
// A single conversation is active at a time. Initializing a new one
// finalizes the previous session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/internal/memory"
	"github.com/aixgo-dev/memtrace/internal/observability"
	"github.com/aixgo-dev/memtrace/internal/prompt"
	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// ModelFactory builds the model collaborator for a new conversation.
type ModelFactory func(providerName, apiKey string) (conversation.Model, error)

// Config holds the server settings.
type Config struct {
	Addr string

	// Defaults for sessions initialized without explicit values.
	Provider  string
	Model     string
	Prompt    string
	MaxTokens int

	// APIKeySet reports whether a provider key came from configuration.
	APIKeySet bool
	LogLevel  string

	DiagramDir      string
	ShutdownTimeout time.Duration

	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string
	// ChatRateLimit caps chat requests per second per client. Zero disables it.
	ChatRateLimit float64
	ChatBurst     int
}

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	store   trace.Store
	journal trace.Journal
	tool    *memory.Tool
	prompts *prompt.Library
	models  ModelFactory
	metrics *observability.Metrics
	health  *observability.HealthChecker
	logger  *zap.Logger
	now     func() time.Time

	router  *http.ServeMux
	limiter *rateLimiter

	// mu guards conv and is held while a session is replaced.
	mu     sync.Mutex
	conv   *conversation.Orchestrator
	prompt string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics records request and conversation metrics and serves them at
// /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealthChecker replaces the default health checker.
func WithHealthChecker(hc *observability.HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// WithJournal journals the events of every session.
func WithJournal(j trace.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithClock replaces the clock used for prompt dates.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server. No conversation is active until a client
// initializes one.
func New(cfg Config, store trace.Store, tool *memory.Tool, prompts *prompt.Library, models ModelFactory, opts ...Option) (*Server, error) {
	switch {
	case store == nil:
		return nil, errors.New("server: store is required")
	case tool == nil:
		return nil, errors.New("server: memory tool is required")
	case prompts == nil:
		return nil, errors.New("server: prompt library is required")
	case models == nil:
		return nil, errors.New("server: model factory is required")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.DiagramDir == "" {
		cfg.DiagramDir = "diagrams"
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		tool:    tool,
		prompts: prompts,
		models:  models,
		logger:  zap.NewNop(),
		now:     time.Now,
		router:  http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = observability.NewHealthChecker("dev")
	}
	if cfg.ChatRateLimit > 0 {
		s.limiter = newRateLimiter(cfg.ChatRateLimit, cfg.ChatBurst)
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /api/health", s.handleHealth)
	s.router.HandleFunc("GET /health/ready", s.health.Handler())
	s.router.HandleFunc("GET /api/config", s.handleConfig)

	// Prompts
	s.router.HandleFunc("GET /api/prompts", s.handleListPrompts)
	s.router.HandleFunc("GET /api/prompts/{name}", s.handleGetPrompt)

	// Session lifecycle
	s.router.HandleFunc("POST /api/session/initialize", s.handleInitialize)
	s.router.HandleFunc("GET /api/session/status", s.handleStatus)
	s.router.HandleFunc("GET /api/session/current", s.handleCurrent)
	s.router.HandleFunc("POST /api/session/snapshot", s.handleSnapshot)
	s.router.HandleFunc("POST /api/session/reset", s.handleReset)
	s.router.HandleFunc("POST /api/chat", s.limit(s.handleChat))

	// Memory
	s.router.HandleFunc("GET /api/memory", s.handleViewMemory)
	s.router.HandleFunc("DELETE /api/memory/clear", s.handleClearMemory)
	s.router.HandleFunc("GET /api/memory/files", s.handleListMemoryFiles)
	s.router.HandleFunc("GET /api/memory/files/{path...}", s.handleGetMemoryFile)

	// Recorded sessions
	s.router.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.router.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.router.HandleFunc("POST /api/sessions/{id}/diagram", s.handleDiagram)

	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	h := s.cors(s.router)
	if s.metrics != nil {
		h = s.metrics.Middleware(h)
	}
	return h
}

// Current returns the active conversation, or nil.
func (s *Server) Current() *conversation.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Start serves until ctx is done, then shuts down gracefully and finalizes
// the active session.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: chat responses stream for as long as a turn runs.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server shutdown", zap.Error(err))
	}
	return s.Shutdown(shutdownCtx)
}

// Shutdown finalizes the active session, if any.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return nil
	}
	loc, err := s.conv.Finalize(ctx)
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", s.conv.SessionID(), err)
	}
	s.logger.Info("session trace saved", zap.String("session_id", s.conv.SessionID()), zap.String("location", loc))
	s.conv = nil
	if s.metrics != nil {
		s.metrics.SetActiveSessions(0)
	}
	return nil
}
