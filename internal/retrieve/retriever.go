// Package retrieve embeds queries and ranks vector store hits for answer
// synthesis.
package retrieve

import (
	"context"
	"fmt"

	"github.com/bull/docrag/internal/chunk"
	"github.com/bull/docrag/internal/embed"
	"github.com/bull/docrag/internal/store"
)

// filenameCandidates is how many candidates a filename-scoped retrieval
// fetches before filtering client-side. A flat over-fetch, not an indexed
// filter; acceptable while collections stay small.
const filenameCandidates = 100

// Result is one retrieval: the query, the kept chunks (ranked, filtered)
// and an estimated token total for the kept text.
type Result struct {
	Query       string               `json:"query"`
	Chunks      []store.SearchResult `json:"chunks"`
	TotalTokens int                  `json:"total_tokens"`
}

// Retriever turns queries into ranked, threshold-filtered chunk lists.
type Retriever struct {
	provider  embed.Provider
	store     store.Store
	topK      int
	threshold float64
}

// New creates a Retriever with default topK and similarity threshold.
func New(provider embed.Provider, st store.Store, topK int, threshold float64) *Retriever {
	return &Retriever{
		provider:  provider,
		store:     st,
		topK:      topK,
		threshold: threshold,
	}
}

// Retrieve embeds query and returns up to topK chunks at or above the
// similarity threshold, best first. topK <= 0 uses the configured default.
// No qualifying chunks is a legitimate empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (*Result, error) {
	if topK <= 0 {
		topK = r.topK
	}

	vector, err := r.provider.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so threshold filtering still leaves topK candidates.
	hits, err := r.store.Search(ctx, vector, topK*2)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	kept := make([]store.SearchResult, 0, topK)
	for _, hit := range hits {
		if hit.SimilarityScore >= r.threshold {
			kept = append(kept, hit)
		}
	}
	if len(kept) > topK {
		kept = kept[:topK]
	}

	return &Result{
		Query:       query,
		Chunks:      kept,
		TotalTokens: totalTokens(kept),
	}, nil
}

// RetrieveByFilename retrieves chunks from one document only. It fetches a
// flat candidate set and filters by filename client-side.
func (r *Retriever) RetrieveByFilename(ctx context.Context, query, filename string, topK int) (*Result, error) {
	all, err := r.Retrieve(ctx, query, filenameCandidates)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = r.topK
	}

	kept := make([]store.SearchResult, 0, topK)
	for _, hit := range all.Chunks {
		if hit.Filename == filename {
			kept = append(kept, hit)
		}
	}
	if len(kept) > topK {
		kept = kept[:topK]
	}

	return &Result{
		Query:       query,
		Chunks:      kept,
		TotalTokens: totalTokens(kept),
	}, nil
}

func totalTokens(results []store.SearchResult) int {
	total := 0
	for _, r := range results {
		total += chunk.EstimateTokens(r.ChunkText)
	}
	return total
}
