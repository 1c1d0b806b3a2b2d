package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docrag/internal/retrieve"
	"github.com/bull/docrag/internal/store"
)

// fakeOllama emulates the tags and generate endpoints and records calls.
type fakeOllama struct {
	models        []string
	response      string
	evalCount     int
	generateDelay time.Duration

	tagCalls      atomic.Int32
	generateCalls atomic.Int32
	lastPrompt    atomic.Value
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.tagCalls.Add(1)
		type model struct {
			Name string `json:"name"`
		}
		models := make([]model, len(f.models))
		for i, name := range f.models {
			models[i] = model{Name: name}
		}
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		f.generateCalls.Add(1)
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.lastPrompt.Store(req.Prompt)
		if f.generateDelay > 0 {
			time.Sleep(f.generateDelay)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response":   f.response,
			"eval_count": f.evalCount,
		})
	})
	return mux
}

func retrievalWith(chunks ...store.SearchResult) *retrieve.Result {
	return &retrieve.Result{Query: "what orbits earth?", Chunks: chunks}
}

func chunkResult(text, filename string, index int, score float64, heading string) store.SearchResult {
	return store.SearchResult{
		ChunkText:       text,
		SimilarityScore: score,
		Filename:        filename,
		ChunkIndex:      index,
		Metadata: store.Metadata{
			Filename:   filename,
			ChunkIndex: index,
			Heading:    heading,
		},
	}
}

func TestAnswer_NoChunksNeverCallsBackend(t *testing.T) {
	fake := &fakeOllama{models: []string{"gemma2:2b"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048)
	result, err := o.Answer(context.Background(), retrievalWith())
	require.NoError(t, err)

	assert.Equal(t, NoContextAnswer, result.Answer)
	assert.Zero(t, result.Confidence)
	assert.Zero(t, result.TokensUsed)
	assert.Empty(t, result.Sources)
	assert.Zero(t, fake.tagCalls.Load(), "empty retrieval must not probe the backend")
	assert.Zero(t, fake.generateCalls.Load(), "empty retrieval must not generate")
}

func TestAnswer_PromptIncludesSources(t *testing.T) {
	fake := &fakeOllama{
		models:    []string{"gemma2:2b"},
		response:  "One moon orbits Earth [Source 1].",
		evalCount: 42,
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048)
	result, err := o.Answer(context.Background(), retrievalWith(
		chunkResult("Earth has one moon.", "astronomy.md", 0, 0.9, "Facts"),
		chunkResult("The moon is tidally locked.", "astronomy.md", 3, 0.7, ""),
	))
	require.NoError(t, err)

	assert.Equal(t, "One moon orbits Earth [Source 1].", result.Answer)
	assert.Equal(t, 42, result.TokensUsed)
	assert.Equal(t, "gemma2:2b", result.Model)
	assert.Len(t, result.Sources, 2)

	prompt, _ := fake.lastPrompt.Load().(string)
	assert.Contains(t, prompt, "[Source 1: astronomy.md (Chunk 0)]")
	assert.Contains(t, prompt, "Heading: Facts")
	assert.Contains(t, prompt, "[Source 2: astronomy.md (Chunk 3)]")
	assert.Contains(t, prompt, "Earth has one moon.")
	assert.Contains(t, prompt, "QUESTION: what orbits earth?")
	assert.True(t, strings.HasSuffix(prompt, "ANSWER:"))
}

func TestAnswer_ConfidenceScaling(t *testing.T) {
	fake := &fakeOllama{models: []string{"gemma2:2b"}, response: "ok"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048)

	// avg 0.5 scales to 0.75
	result, err := o.Answer(context.Background(), retrievalWith(
		chunkResult("a", "f.md", 0, 0.4, ""),
		chunkResult("b", "f.md", 1, 0.6, ""),
	))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, result.Confidence, 1e-9)

	// avg 0.9 would scale past 1.0 and must clamp
	result, err = o.Answer(context.Background(), retrievalWith(
		chunkResult("a", "f.md", 0, 0.9, ""),
	))
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestAnswer_ModelNotInstalled(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048)
	_, err := o.Answer(context.Background(), retrievalWith(
		chunkResult("text", "f.md", 0, 0.8, ""),
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, fake.generateCalls.Load())
}

func TestAnswer_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse connections

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048)
	_, err := o.Answer(context.Background(), retrievalWith(
		chunkResult("text", "f.md", 0, 0.8, ""),
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAnswer_GenerateTimeout(t *testing.T) {
	fake := &fakeOllama{
		models:        []string{"gemma2:2b"},
		response:      "too late",
		generateDelay: 300 * time.Millisecond,
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048,
		WithGenerateTimeout(50*time.Millisecond))
	_, err := o.Answer(context.Background(), retrievalWith(
		chunkResult("text", "f.md", 0, 0.8, ""),
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "smaller model")
}

func TestAvailable_SubstringMatch(t *testing.T) {
	fake := &fakeOllama{models: []string{"gemma2:2b-instruct-q4"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048)
	assert.True(t, o.Available(context.Background()))

	o = New(srv.URL, "mistral", 0.3, 512, 2048)
	assert.False(t, o.Available(context.Background()))
}

func TestListModels(t *testing.T) {
	fake := &fakeOllama{models: []string{"gemma2:2b", "llama3:8b"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o := New(srv.URL, "gemma2:2b", 0.3, 512, 2048)
	names, err := o.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gemma2:2b", "llama3:8b"}, names)
}
