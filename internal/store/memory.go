package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// record is one persisted (id, text, vector, metadata) tuple.
type record struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
	Meta   Metadata  `json:"metadata"`
}

// Memory is an in-process cosine-similarity store with optional JSON
// snapshot persistence. It is the default backend for small corpora and the
// backend used by tests.
type Memory struct {
	mu         sync.RWMutex
	records    []record
	collection string
	path       string // snapshot file, empty for ephemeral stores
}

// NewMemory opens (or creates) a collection. dir may be empty for a purely
// in-memory store; otherwise the collection is loaded from and snapshotted
// to dir/<collection>.json.
func NewMemory(dir, collection string) (*Memory, error) {
	m := &Memory{collection: collection}
	if dir == "" {
		return m, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector db dir: %w", err)
	}
	m.path = filepath.Join(dir, collection+".json")

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("load collection %s: %w", collection, err)
	}
	if err := json.Unmarshal(data, &m.records); err != nil {
		return nil, fmt.Errorf("parse collection %s: %w", collection, err)
	}
	return m, nil
}

// Add stores records, assigning "doc_{n}" ids when none are given. The
// auto-id scheme reads the current collection size, so concurrent writers
// must supply explicit ids to avoid collisions.
func (m *Memory) Add(ctx context.Context, texts []string, vectors [][]float32, metas []Metadata, ids []string) error {
	if len(texts) == 0 {
		return nil
	}
	if len(vectors) != len(texts) || len(metas) != len(texts) {
		return fmt.Errorf("add: %d texts, %d vectors, %d metadatas", len(texts), len(vectors), len(metas))
	}
	if ids != nil && len(ids) != len(texts) {
		return fmt.Errorf("add: %d texts but %d ids", len(texts), len(ids))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ids == nil {
		ids = make([]string, len(texts))
		for i := range texts {
			ids[i] = fmt.Sprintf("doc_%d", len(m.records)+i)
		}
	}

	// Upsert semantics: an existing id is overwritten in place.
	byID := make(map[string]int, len(m.records))
	for i, r := range m.records {
		byID[r.ID] = i
	}
	for i := range texts {
		r := record{ID: ids[i], Text: texts[i], Vector: vectors[i], Meta: metas[i]}
		if j, ok := byID[r.ID]; ok {
			m.records[j] = r
		} else {
			byID[r.ID] = len(m.records)
			m.records = append(m.records, r)
		}
	}

	return m.snapshotLocked()
}

// Search scans the collection and returns the topK closest records by
// cosine similarity, best first.
func (m *Memory) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]SearchResult, 0, len(m.records))
	for _, r := range m.records {
		if len(r.Vector) != len(vector) {
			return nil, fmt.Errorf("%w: query has %d dimensions, record %s has %d",
				ErrDimensionMismatch, len(vector), r.ID, len(r.Vector))
		}
		results = append(results, SearchResult{
			ChunkText:       r.Text,
			SimilarityScore: cosine(vector, r.Vector),
			Metadata:        r.Meta,
			ChunkIndex:      r.Meta.ChunkIndex,
			Filename:        r.Meta.Filename,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})

	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Clear removes all records and the on-disk snapshot.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	if m.path != "" {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove snapshot: %w", err)
		}
	}
	return nil
}

// Stats reports the collection size and storage location.
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Collection: m.collection, Count: len(m.records), Path: m.path}, nil
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error { return nil }

// snapshotLocked writes the collection to disk. Caller holds m.mu.
func (m *Memory) snapshotLocked() error {
	if m.path == "" {
		return nil
	}
	data, err := json.Marshal(m.records)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// cosine returns the cosine similarity of a and b. Zero vectors score 0.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
