// Package embed defines the embedding capability consumed by the indexing
// and retrieval pipelines, plus an OpenAI-compatible implementation.
package embed

import "context"

// ModelInfo describes the active embedding model.
type ModelInfo struct {
	Model     string `json:"model_name"`
	Dimension int    `json:"dimension"`
	Device    string `json:"device"`
}

// Provider maps text to fixed-dimension vectors. Implementations are
// synchronous; callers run concurrent requests on their own goroutines.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedSingle embeds one text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	// Info reports the model behind this provider.
	Info() ModelInfo
}
