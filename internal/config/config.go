// Package config holds the process-wide RAG configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the full RAG configuration. It is created once at startup, either
// from defaults, a JSON file, or environment overrides, and mutated only
// through Manager.Update.
type Config struct {
	Enabled bool `json:"enabled"`

	// Chunking
	ChunkSize    int `json:"chunk_size"`     // target tokens per chunk
	ChunkOverlap int `json:"chunk_overlap"`  // accepted, currently unused by the chunker
	MinChunkSize int `json:"min_chunk_size"` // minimum tokens to emit a chunk

	// Embedding
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDimension int    `json:"embedding_dimension"`
	EmbeddingBaseURL   string `json:"embedding_base_url"` // OpenAI-compatible endpoint, empty for api.openai.com

	// Vector store
	VectorBackend  string `json:"vector_backend"` // "memory" or "qdrant"
	VectorDBPath   string `json:"vector_db_path"`
	CollectionName string `json:"collection_name"`
	QdrantHost     string `json:"qdrant_host"`
	QdrantPort     int    `json:"qdrant_port"`

	// Retrieval
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	EnableHybridSearch  bool    `json:"enable_hybrid_search"`

	// LLM
	LLMBaseURL    string  `json:"llm_base_url"`
	LLMModel      string  `json:"llm_model"`
	ContextWindow int     `json:"context_window"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`

	// Processing
	MaxWorkers int `json:"max_workers"`
	BatchSize  int `json:"batch_size"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Enabled:             true,
		ChunkSize:           800,
		ChunkOverlap:        100,
		MinChunkSize:        100,
		EmbeddingModel:      "all-MiniLM-L6-v2",
		EmbeddingDimension:  384,
		VectorBackend:       "memory",
		VectorDBPath:        "./data/vectors",
		CollectionName:      "documents",
		QdrantHost:          "localhost",
		QdrantPort:          6334,
		TopK:                5,
		SimilarityThreshold: 0.3,
		EnableHybridSearch:  true,
		LLMBaseURL:          "http://localhost:11434",
		LLMModel:            "gemma2:2b",
		ContextWindow:       2048,
		Temperature:         0.3,
		MaxTokens:           512,
		MaxWorkers:          4,
		BatchSize:           32,
	}
}

// Load reads a JSON config file. Missing file is not an error: defaults are
// returned so a fresh deployment works without any config on disk.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// FromEnv applies DOCRAG_* environment overrides on top of c.
func (c Config) FromEnv() Config {
	c.EmbeddingModel = envOr("DOCRAG_EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDimension = envInt("DOCRAG_EMBEDDING_DIMENSION", c.EmbeddingDimension)
	c.EmbeddingBaseURL = envOr("DOCRAG_EMBEDDING_BASE_URL", c.EmbeddingBaseURL)
	c.VectorBackend = envOr("DOCRAG_VECTOR_BACKEND", c.VectorBackend)
	c.VectorDBPath = envOr("DOCRAG_VECTOR_DB_PATH", c.VectorDBPath)
	c.CollectionName = envOr("DOCRAG_COLLECTION", c.CollectionName)
	c.QdrantHost = envOr("QDRANT_HOST", c.QdrantHost)
	c.QdrantPort = envInt("QDRANT_PORT", c.QdrantPort)
	c.LLMBaseURL = envOr("OLLAMA_BASE_URL", c.LLMBaseURL)
	c.LLMModel = envOr("OLLAMA_MODEL", c.LLMModel)
	c.MaxWorkers = envInt("DOCRAG_MAX_WORKERS", c.MaxWorkers)
	c.BatchSize = envInt("DOCRAG_BATCH_SIZE", c.BatchSize)
	return c
}

// Validate checks the configuration for values that would make the pipeline
// misbehave. Called once at startup; failure is fatal.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.MinChunkSize < 0 {
		return fmt.Errorf("min_chunk_size must be non-negative, got %d", c.MinChunkSize)
	}
	if c.MinChunkSize > c.ChunkSize {
		return fmt.Errorf("min_chunk_size (%d) exceeds chunk_size (%d)", c.MinChunkSize, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap must be non-negative, got %d", c.ChunkOverlap)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1], got %g", c.SimilarityThreshold)
	}
	switch c.VectorBackend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("vector_backend must be \"memory\" or \"qdrant\", got %q", c.VectorBackend)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("collection_name is required")
	}
	if c.LLMBaseURL == "" {
		return fmt.Errorf("llm_base_url is required")
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
