// Package api exposes the retrieval pipeline over HTTP: query and indexing
// endpoints plus an async upload/job layer for a frontend.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bull/docrag/internal/chunk"
	"github.com/bull/docrag/internal/config"
	"github.com/bull/docrag/internal/embed"
	"github.com/bull/docrag/internal/index"
	"github.com/bull/docrag/internal/llm"
	"github.com/bull/docrag/internal/retrieve"
	"github.com/bull/docrag/internal/store"
)

const (
	maxUploadBytes = int64(10 << 20)
	jobQueueSize   = 64
	jobTTL         = time.Hour
)

// Server is the HTTP API server. Pipeline components are built per request
// from the current config snapshot so PUT /api/rag/config takes effect
// without a restart.
type Server struct {
	router   chi.Router
	provider embed.Provider
	store    store.Store
	cfg      *config.Manager
	runner   *Runner
	log      *slog.Logger
}

// NewServer creates and configures the server. Call Start before serving
// and Stop on shutdown to drain the upload worker pool.
func NewServer(provider embed.Provider, st store.Store, cfg *config.Manager, log *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		store:    st,
		cfg:      cfg,
		log:      log,
	}
	s.runner = NewRunner(cfg.Get().MaxWorkers, jobQueueSize, jobTTL, s.processJob, log)
	s.setupRoutes()
	return s
}

// Start launches the upload worker pool.
func (s *Server) Start(ctx context.Context) { s.runner.Start(ctx) }

// Stop drains the worker pool.
func (s *Server) Stop() { s.runner.Stop() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Route("/api/rag", func(r chi.Router) {
		r.Post("/index", s.handleIndex)
		r.Post("/query", s.handleQuery)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Get("/stats", s.handleStats)
		r.Post("/clear", s.handleClear)
	})

	r.Post("/upload", s.handleUpload)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Delete("/jobs/{jobID}", s.handleDeleteJob)
	r.Get("/jobs/{jobID}/preview", s.handlePreview)

	s.router = r
}

// pipeline builds an indexing pipeline from a config snapshot.
func (s *Server) pipeline(cfg config.Config) *index.Pipeline {
	chunker := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkSize)
	return index.NewPipeline(chunker, s.provider, s.store, s.log)
}

// retriever builds a retriever from a config snapshot.
func (s *Server) retriever(cfg config.Config) *retrieve.Retriever {
	return retrieve.New(s.provider, s.store, cfg.TopK, cfg.SimilarityThreshold)
}

// synthesizer builds an answer synthesizer from a config snapshot.
func (s *Server) synthesizer(cfg config.Config) *llm.Ollama {
	return llm.New(cfg.LLMBaseURL, cfg.LLMModel, cfg.Temperature, cfg.MaxTokens, cfg.ContextWindow)
}
