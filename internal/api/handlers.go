package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/bull/docrag/internal/index"
	"github.com/bull/docrag/internal/llm"
	"github.com/bull/docrag/internal/store"
)

const excerptRunes = 200

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()

	probeCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := s.store.Stats(r.Context())
	storeOK := err == nil

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"store_ready":      storeOK,
		"indexed_chunks":   stats.Count,
		"collection":       stats.Collection,
		"embedding_model":  s.provider.Info().Model,
		"llm_model":        cfg.LLMModel,
		"ollama_available": s.synthesizer(cfg).Available(probeCtx),
	})
}

type indexRequest struct {
	FilePath      string `json:"file_path"`
	ClearExisting bool   `json:"clear_existing"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.FilePath == "" {
		jsonError(w, "file_path is required", http.StatusBadRequest)
		return
	}

	pipeline := s.pipeline(s.cfg.Get())
	if req.ClearExisting {
		if err := pipeline.Clear(r.Context()); err != nil {
			jsonError(w, "clear failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		jsonError(w, "path not found: "+req.FilePath, http.StatusNotFound)
		return
	}

	if info.IsDir() {
		result, err := pipeline.IndexDirectory(r.Context(), req.FilePath, "*.md")
		if err != nil {
			indexErrorResponse(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	chunks, err := pipeline.IndexFile(r.Context(), req.FilePath)
	if err != nil {
		indexErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"indexed_chunks": chunks,
		"file_path":      req.FilePath,
	})
}

func indexErrorResponse(w http.ResponseWriter, err error) {
	if errors.Is(err, index.ErrNotFound) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

type queryRequest struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	IncludeChunks bool   `json:"include_chunks"`
}

type querySource struct {
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Similarity float64 `json:"similarity"`
	Heading    string  `json:"heading,omitempty"`
	Excerpt    string  `json:"excerpt"`
	ChunkText  string  `json:"chunk_text,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		jsonError(w, "query is required", http.StatusBadRequest)
		return
	}

	cfg := s.cfg.Get()
	retrieval, err := s.retriever(cfg).Retrieve(r.Context(), req.Query, req.TopK)
	if err != nil {
		jsonError(w, "retrieval failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	result, err := s.synthesizer(cfg).Answer(r.Context(), retrieval)
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrUnavailable):
			jsonError(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, llm.ErrTimeout):
			jsonError(w, err.Error(), http.StatusGatewayTimeout)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	sources := make([]querySource, len(result.Sources))
	for i, src := range result.Sources {
		sources[i] = querySource{
			Filename:   src.Filename,
			ChunkIndex: src.ChunkIndex,
			Similarity: src.SimilarityScore,
			Heading:    src.Metadata.Heading,
			Excerpt:    excerpt(src.ChunkText),
		}
		if req.IncludeChunks {
			sources[i].ChunkText = src.ChunkText
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":       result.Query,
		"answer":      result.Answer,
		"model":       result.Model,
		"tokens_used": result.TokensUsed,
		"confidence":  result.Confidence,
		"sources":     sources,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.cfg.Update(updates); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrUnreachable) {
			jsonError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store":     stats,
		"embedding": s.provider.Info(),
		"llm":       s.synthesizer(s.cfg.Get()).ModelInfo(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline(s.cfg.Get()).Clear(r.Context()); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// excerpt truncates chunk text for source listings without splitting a rune.
func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptRunes {
		return text
	}
	return string(runes[:excerptRunes]) + "..."
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
