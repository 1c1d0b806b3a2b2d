// Package main provides the HTTP server entry point for the docrag service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bull/docrag/internal/api"
	"github.com/bull/docrag/internal/config"
	"github.com/bull/docrag/internal/embed"
	"github.com/bull/docrag/internal/store"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(getEnv("DOCRAG_CONFIG", "docrag.json"))
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg = cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	st, err := buildStore(cfg)
	if err != nil {
		log.Error("failed to create vector store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	provider, err := embed.NewOpenAI(cfg.EmbeddingModel, cfg.EmbeddingDimension, cfg.EmbeddingBaseURL, cfg.BatchSize)
	if err != nil {
		log.Error("failed to create embedding provider", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(provider, st, config.NewManager(cfg), log)
	server.Start(ctx)
	defer server.Stop()

	addr := "0.0.0.0:" + getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("starting server", "addr", addr, "backend", cfg.VectorBackend, "collection", cfg.CollectionName)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func buildStore(cfg config.Config) (store.Store, error) {
	if cfg.VectorBackend == "qdrant" {
		return store.NewQdrant(cfg.QdrantHost, cfg.QdrantPort, cfg.CollectionName, cfg.EmbeddingDimension)
	}
	return store.NewMemory(cfg.VectorDBPath, cfg.CollectionName)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
