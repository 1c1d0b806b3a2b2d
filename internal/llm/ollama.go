// Package llm synthesizes grounded answers from retrieved chunks using an
// Ollama-compatible local language model.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bull/docrag/internal/retrieve"
	"github.com/bull/docrag/internal/store"
)

var (
	// ErrUnavailable reports that the backend is unreachable or the
	// configured model is not present.
	ErrUnavailable = errors.New("llm backend unavailable")
	// ErrTimeout reports that a generation call exceeded its bound.
	ErrTimeout = errors.New("llm request timed out")
)

// NoContextAnswer is returned verbatim when retrieval produced no chunks.
// The model is never called in that case, so the system cannot hallucinate
// an ungrounded answer.
const NoContextAnswer = "No relevant documents found for your query."

const (
	defaultGenerateTimeout = 2 * time.Minute
	defaultProbeTimeout    = 5 * time.Second
)

// QueryResult is a synthesized answer with its sources and a confidence
// score in [0,1].
type QueryResult struct {
	Query      string               `json:"query"`
	Answer     string               `json:"answer"`
	Sources    []store.SearchResult `json:"sources"`
	Model      string               `json:"model"`
	TokensUsed int                  `json:"tokens_used"`
	Confidence float64              `json:"confidence"`
}

// ModelInfo describes the configured backend.
type ModelInfo struct {
	Model         string  `json:"model"`
	BaseURL       string  `json:"base_url"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	ContextWindow int     `json:"context_window"`
}

// Ollama talks to an Ollama server over its HTTP API.
type Ollama struct {
	baseURL       string
	model         string
	temperature   float64
	maxTokens     int
	contextWindow int

	generateClient *http.Client
	probeClient    *http.Client
}

// Option adjusts client construction.
type Option func(*Ollama)

// WithGenerateTimeout overrides the generation timeout (default 2m).
func WithGenerateTimeout(d time.Duration) Option {
	return func(o *Ollama) { o.generateClient.Timeout = d }
}

// WithProbeTimeout overrides the availability-probe timeout (default 5s).
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Ollama) { o.probeClient.Timeout = d }
}

// New creates an Ollama client.
func New(baseURL, model string, temperature float64, maxTokens, contextWindow int, opts ...Option) *Ollama {
	o := &Ollama{
		baseURL:        strings.TrimRight(baseURL, "/"),
		model:          model,
		temperature:    temperature,
		maxTokens:      maxTokens,
		contextWindow:  contextWindow,
		generateClient: &http.Client{Timeout: defaultGenerateTimeout},
		probeClient:    &http.Client{Timeout: defaultProbeTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ListModels returns the model names the backend reports.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.probeClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d from %s", ErrUnavailable, resp.StatusCode, o.baseURL)
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode tags: %v", ErrUnavailable, err)
	}

	names := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Available reports whether the backend is reachable and serves the
// configured model.
func (o *Ollama) Available(ctx context.Context) bool {
	names, err := o.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, name := range names {
		if strings.Contains(name, o.model) {
			return true
		}
	}
	return false
}

// Answer generates a grounded answer for the retrieval result.
//
// With no retrieved chunks it returns the fixed NoContextAnswer with zero
// confidence and never contacts the backend. Otherwise the backend must be
// reachable with the configured model present, or the call fails with
// ErrUnavailable; there is no degraded answer path.
func (o *Ollama) Answer(ctx context.Context, retrieval *retrieve.Result) (*QueryResult, error) {
	if len(retrieval.Chunks) == 0 {
		return &QueryResult{
			Query:      retrieval.Query,
			Answer:     NoContextAnswer,
			Sources:    []store.SearchResult{},
			Model:      o.model,
			TokensUsed: 0,
			Confidence: 0,
		}, nil
	}

	if !o.Available(ctx) {
		return nil, fmt.Errorf("%w: ollama at %s with model %q; ensure the server is running and the model is pulled",
			ErrUnavailable, o.baseURL, o.model)
	}

	prompt := buildPrompt(retrieval)
	answer, evalCount, err := o.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Query:      retrieval.Query,
		Answer:     answer,
		Sources:    retrieval.Chunks,
		Model:      o.model,
		TokensUsed: evalCount,
		Confidence: confidence(retrieval.Chunks),
	}, nil
}

// ModelInfo reports the configured model parameters.
func (o *Ollama) ModelInfo() ModelInfo {
	return ModelInfo{
		Model:         o.model,
		BaseURL:       o.baseURL,
		Temperature:   o.temperature,
		MaxTokens:     o.maxTokens,
		ContextWindow: o.contextWindow,
	}
}

// generate calls /api/generate and returns the response text and eval count.
func (o *Ollama) generate(ctx context.Context, prompt string) (string, int, error) {
	payload, err := json.Marshal(map[string]any{
		"model":       o.model,
		"prompt":      prompt,
		"temperature": o.temperature,
		"num_predict": o.maxTokens,
		"stream":      false,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.generateClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", 0, fmt.Errorf("%w: the model may be too large for your system, try a smaller model", ErrTimeout)
		}
		return "", 0, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		diag, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("ollama api error: %s", strings.TrimSpace(string(diag)))
	}

	var body struct {
		Response  string `json:"response"`
		EvalCount int    `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode ollama response: %w", err)
	}
	return strings.TrimSpace(body.Response), body.EvalCount, nil
}

// buildPrompt formats retrieved chunks into numbered source blocks followed
// by grounding instructions and the literal question.
func buildPrompt(retrieval *retrieve.Result) string {
	var sections []string
	for i, r := range retrieval.Chunks {
		var b strings.Builder
		fmt.Fprintf(&b, "[Source %d: %s (Chunk %d)]", i+1, r.Filename, r.ChunkIndex)
		if r.Metadata.Heading != "" {
			fmt.Fprintf(&b, "\nHeading: %s", r.Metadata.Heading)
		}
		b.WriteString("\n")
		b.WriteString(r.ChunkText)
		sections = append(sections, b.String())
	}
	context := strings.Join(sections, "\n\n")

	return fmt.Sprintf(`You are a helpful assistant answering questions based on provided document excerpts.

Answer the user's question using ONLY the information provided in the context below.
If the answer is not in the context, say "I don't have this information in the provided documents."
Be concise and cite which sources you use.

CONTEXT:
%s

QUESTION: %s

ANSWER:`, context, retrieval.Query)
}

// confidence rescales the average source similarity into [0,1]. A heuristic,
// not a calibrated probability: average similarity times 1.5, capped at 1.
func confidence(chunks []store.SearchResult) float64 {
	if len(chunks) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range chunks {
		sum += c.SimilarityScore
	}
	avg := sum / float64(len(chunks))
	return min(1.0, avg*1.5)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
