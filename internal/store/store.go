// Package store defines the vector index capability and its adapters.
package store

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable reports that the backing vector store cannot be reached.
	ErrUnreachable = errors.New("vector store unreachable")
	// ErrDimensionMismatch reports a vector whose dimension does not match
	// the collection.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Metadata is the chunk provenance persisted alongside each vector.
type Metadata struct {
	Filename    string `json:"filename"`
	ChunkIndex  int    `json:"chunk_index"`
	Heading     string `json:"heading,omitempty"`
	PageNumber  int    `json:"page_number,omitempty"`
	TotalChunks int    `json:"total_chunks"`
}

// SearchResult is one similarity hit. SimilarityScore is 1 - cosine
// distance; higher is closer.
type SearchResult struct {
	ChunkText       string   `json:"chunk_text"`
	SimilarityScore float64  `json:"similarity_score"`
	Metadata        Metadata `json:"metadata"`
	ChunkIndex      int      `json:"chunk_index"`
	Filename        string   `json:"filename"`
}

// Stats describes the collection.
type Stats struct {
	Collection string `json:"collection_name"`
	Count      int    `json:"document_count"`
	Path       string `json:"db_path"`
}

// Store persists (text, vector, metadata, id) tuples and answers
// nearest-neighbor queries by cosine similarity.
//
// Implementations do not provide transactional isolation: concurrent writers
// that rely on auto-assigned ids can collide. Callers that index
// concurrently must supply explicit unique ids or serialize writes.
type Store interface {
	// Add stores records. ids may be nil, in which case sequential
	// "doc_{n}" ids based on the current collection size are assigned.
	Add(ctx context.Context, texts []string, vectors [][]float32, metas []Metadata, ids []string) error
	// Search returns up to topK nearest records, best first.
	Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)
	// Clear removes every record in the collection.
	Clear(ctx context.Context) error
	// Stats reports collection name, record count and storage location.
	Stats(ctx context.Context) (Stats, error)
	// Close releases the underlying connection or file handles.
	Close() error
}
