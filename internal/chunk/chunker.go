// Package chunk splits converted document text into heading-aware segments
// sized for embedding and retrieval.
package chunk

import (
	"regexp"
	"strings"
)

// Metadata is the provenance attached to every chunk.
type Metadata struct {
	Filename    string `json:"filename"`
	ChunkIndex  int    `json:"chunk_index"`
	Heading     string `json:"heading,omitempty"`
	PageNumber  int    `json:"page_number,omitempty"`
	TotalChunks int    `json:"total_chunks"`
}

// Piece is one emitted chunk: trimmed text plus its metadata.
type Piece struct {
	Text string
	Meta Metadata
}

// Chunker greedily accumulates paragraphs into chunks bounded by a target
// token size. Headings start new paragraph units and are carried as context
// on every following chunk until superseded.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	minChunkSize int
}

// New creates a Chunker. Sizes are in estimated tokens (~4 chars each).
func New(chunkSize, chunkOverlap, minChunkSize int) *Chunker {
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		minChunkSize: minChunkSize,
	}
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+)`)

// EstimateTokens gives a rough token count: 1 token ~= 4 characters.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// Chunk splits text into chunks for one document. page may be 0 when the
// upstream converter does not carry page numbers. Empty or whitespace-only
// input yields nil.
//
// A chunk is finalized when a new heading begins, when appending the next
// paragraph would exceed the target size, or at end of input. In all cases
// a chunk below the minimum size is dropped rather than merged forward;
// this keeps chunk ids stable against corpora indexed by earlier versions.
// TODO: chunkOverlap is accepted but no text is re-emitted between
// consecutive chunks yet.
func (c *Chunker) Chunk(text, filename string, page int) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	paragraphs := splitParagraphs(text)

	var pieces []Piece
	var current string
	var currentHeading string
	chunkIndex := 0

	emit := func() {
		if EstimateTokens(current) < c.minChunkSize {
			return
		}
		pieces = append(pieces, Piece{
			Text: current,
			Meta: Metadata{
				Filename:   filename,
				ChunkIndex: chunkIndex,
				Heading:    currentHeading,
				PageNumber: page,
			},
		})
		chunkIndex++
	}

	for _, para := range paragraphs {
		if h := extractHeading(para); h != "" {
			// A heading closes the running chunk so every chunk belongs to
			// exactly one section.
			if current != "" {
				emit()
			}
			currentHeading = h
			current = para
			continue
		}

		if current == "" {
			current = para
			continue
		}

		candidate := current + "\n\n" + para
		if EstimateTokens(candidate) <= c.chunkSize {
			current = candidate
			continue
		}

		// Current chunk is full.
		emit()
		current = para
	}

	if current != "" {
		emit()
	}

	for i := range pieces {
		pieces[i].Meta.TotalChunks = len(pieces)
	}
	return pieces
}

// splitParagraphs breaks text into paragraph units. A unit ends at a blank
// line; a markdown heading line always starts a new unit, even without a
// preceding blank line.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var paragraphs []string
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		p := strings.TrimSpace(strings.Join(current, "\n"))
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if headingRe.MatchString(line) {
			flush()
		}
		current = append(current, line)
	}
	flush()

	return paragraphs
}

// extractHeading returns the heading text (without # marks) when the
// paragraph starts with a markdown heading, or "".
func extractHeading(para string) string {
	m := headingRe.FindStringSubmatch(para)
	if m == nil {
		return ""
	}
	// Only the first line of the paragraph counts as the heading.
	heading := m[2]
	if i := strings.IndexByte(heading, '\n'); i >= 0 {
		heading = heading[:i]
	}
	return strings.TrimSpace(heading)
}
