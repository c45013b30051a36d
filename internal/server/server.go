// Package server exposes the linkdo HTTP API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/linkdo/linkdo/internal/embedding"
	"github.com/linkdo/linkdo/internal/events"
	"github.com/linkdo/linkdo/internal/infer"
	"github.com/linkdo/linkdo/internal/similarity"
	"github.com/linkdo/linkdo/internal/store"
	"github.com/linkdo/linkdo/internal/suggest"
	"github.com/linkdo/linkdo/internal/syncer"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (default ":8080").
	Addr string

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server wires the store, reconciler, inference engine, ranker and event
// hub behind the HTTP API.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store      store.Store
	embedder   embedding.Embedder
	engine     *infer.Engine
	reconciler *syncer.Reconciler
	ranker     *similarity.Ranker
	suggester  suggest.Suggester
	hub        *events.Hub

	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a Server. suggester may be nil, in which case the tag
// suggestion endpoint reports the service as unconfigured.
func New(cfg *Config, st store.Store, embedder embedding.Embedder, suggester suggest.Suggester) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if embedder == nil {
		embedder = embedding.Disabled
	}

	engine := infer.New(st, cfg.Logger)
	return &Server{
		addr:       cfg.Addr,
		store:      st,
		embedder:   embedder,
		engine:     engine,
		reconciler: syncer.New(st, embedder, engine, cfg.Logger),
		ranker:     similarity.New(st),
		suggester:  suggester,
		hub:        events.NewHub(cfg.Logger),
		logger:     cfg.Logger,
	}
}

// Handler returns the routed HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", s.withWorkspace(s.handleListTasks))
	mux.HandleFunc("POST /api/tasks", s.withWorkspace(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks/{id}", s.withWorkspace(s.handleGetTask))
	mux.HandleFunc("PATCH /api/tasks/{id}", s.withWorkspace(s.handlePatchTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", s.withWorkspace(s.handleDeleteTask))
	mux.HandleFunc("DELETE /api/tasks/{id}/cascade", s.withWorkspace(s.handleDeleteTaskCascade))
	mux.HandleFunc("GET /api/tasks/{id}/similar", s.withWorkspace(s.handleSimilarTasks))

	mux.HandleFunc("GET /api/edges", s.withWorkspace(s.handleListEdges))
	mux.HandleFunc("POST /api/edges", s.withWorkspace(s.handleCreateEdge))
	mux.HandleFunc("DELETE /api/edges/{source}/{target}", s.withWorkspace(s.handleDeleteEdge))

	mux.HandleFunc("POST /api/sync", s.withWorkspace(s.handleSync))
	mux.HandleFunc("GET /api/graph", s.withWorkspace(s.handleGraph))

	mux.HandleFunc("GET /api/tags", s.withWorkspace(s.handleListTags))
	mux.HandleFunc("POST /api/tags/suggest", s.withWorkspace(s.handleSuggestTags))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.hub.HandleWS)

	return s.withRequestLog(mux)
}

// Start begins listening and serving. Returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("API server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping API server")

	s.hub.Close()

	// Start may never have run, or may have failed before the listener
	// was bound.
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
