// Package index drives chunking, embedding and vector storage for documents
// and batches of documents.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bull/docrag/internal/chunk"
	"github.com/bull/docrag/internal/embed"
	"github.com/bull/docrag/internal/store"
)

// ErrNotFound reports a missing file or directory.
var ErrNotFound = errors.New("not found")

// DirectoryResult summarizes a batch indexing run. Per-file failures are
// collected in Errors; the batch itself still succeeds.
type DirectoryResult struct {
	TotalFiles   int      `json:"total_files"`
	IndexedFiles int      `json:"indexed_files"`
	TotalChunks  int      `json:"total_chunks"`
	Errors       []string `json:"errors"`
}

// DocumentSource lists and fetches remote documents for bulk indexing.
type DocumentSource interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, path string) (string, error)
}

// Pipeline orchestrates chunker, embedding provider and vector store.
// Writes to the store are serialized so concurrent IndexText calls cannot
// interleave their id assignment.
type Pipeline struct {
	chunker  *chunk.Chunker
	provider embed.Provider
	store    store.Store
	log      *slog.Logger

	mu sync.Mutex
}

// NewPipeline creates an indexing pipeline.
func NewPipeline(chunker *chunk.Chunker, provider embed.Provider, st store.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		chunker:  chunker,
		provider: provider,
		store:    st,
		log:      logger,
	}
}

// IndexText chunks, embeds and stores one markdown document. page may be 0.
// Returns the number of chunks indexed; zero chunks is a legitimate outcome
// that touches neither the embedding provider nor the store.
func (p *Pipeline) IndexText(ctx context.Context, text, filename string, page int) (int, error) {
	pieces := p.chunker.Chunk(text, filename, page)
	if len(pieces) == 0 {
		p.log.Warn("no chunks created", "filename", filename)
		return 0, nil
	}

	texts := make([]string, len(pieces))
	metas := make([]store.Metadata, len(pieces))
	ids := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Text
		metas[i] = store.Metadata{
			Filename:    piece.Meta.Filename,
			ChunkIndex:  piece.Meta.ChunkIndex,
			Heading:     piece.Meta.Heading,
			PageNumber:  piece.Meta.PageNumber,
			TotalChunks: piece.Meta.TotalChunks,
		}
		ids[i] = fmt.Sprintf("%s_chunk_%d", filename, i)
	}

	vectors, err := p.provider.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", filename, err)
	}
	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("embed %s: got %d vectors for %d chunks", filename, len(vectors), len(texts))
	}

	p.mu.Lock()
	err = p.store.Add(ctx, texts, vectors, metas, ids)
	p.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", filename, err)
	}

	p.log.Info("indexed document", "filename", filename, "chunks", len(pieces))
	return len(pieces), nil
}

// IndexJSON flattens converter JSON output into text and indexes it as
// markdown.
func (p *Pipeline) IndexJSON(ctx context.Context, raw []byte, filename string) (int, error) {
	var data any
	if err := jsonUnmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("parse json %s: %w", filename, err)
	}
	return p.IndexText(ctx, flattenJSON(data), filename, 0)
}

// IndexFile indexes one file from disk, dispatching on its extension.
func (p *Pipeline) IndexFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return 0, fmt.Errorf("file %s is not valid UTF-8", filepath.Base(path))
	}

	name := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return p.IndexJSON(ctx, data, name)
	}
	return p.IndexText(ctx, string(data), name, 0)
}

// IndexDirectory indexes every file in dir matching pattern. Individual file
// failures are recorded and do not abort the batch.
func (p *Pipeline) IndexDirectory(ctx context.Context, dir, pattern string) (*DirectoryResult, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: directory %s", ErrNotFound, dir)
	}
	if pattern == "" {
		pattern = "*.md"
	}

	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	p.log.Info("indexing directory", "dir", dir, "pattern", pattern, "files", len(files))

	result := &DirectoryResult{TotalFiles: len(files), Errors: []string{}}
	for _, path := range files {
		chunks, err := p.IndexFile(ctx, path)
		if err != nil {
			p.log.Warn("failed to index file", "path", path, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("error indexing %s: %s", filepath.Base(path), err))
			continue
		}
		result.IndexedFiles++
		result.TotalChunks += chunks
	}
	return result, nil
}

// IndexSource bulk-indexes every document a remote source lists, with the
// same partial-failure accounting as IndexDirectory.
func (p *Pipeline) IndexSource(ctx context.Context, src DocumentSource) (*DirectoryResult, error) {
	paths, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	p.log.Info("indexing source", "documents", len(paths))

	result := &DirectoryResult{TotalFiles: len(paths), Errors: []string{}}
	for _, path := range paths {
		content, err := src.Fetch(ctx, path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("error fetching %s: %s", path, err))
			continue
		}
		chunks, err := p.IndexText(ctx, content, path, 0)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("error indexing %s: %s", path, err))
			continue
		}
		result.IndexedFiles++
		result.TotalChunks += chunks
	}
	return result, nil
}

// Clear removes all indexed documents.
func (p *Pipeline) Clear(ctx context.Context) error {
	p.log.Info("clearing vector store")
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Clear(ctx)
}

// Stats reports vector store and embedding model statistics.
func (p *Pipeline) Stats(ctx context.Context) (store.Stats, embed.ModelInfo, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return store.Stats{}, embed.ModelInfo{}, err
	}
	return stats, p.provider.Info(), nil
}
