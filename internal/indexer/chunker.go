package indexer

import (
	"fmt"

	"github.com/hyperjump/kenkyu/internal/models"
)

// Chunker splits text into overlapping character windows. Sizes count runes so
// CJK text is measured the same way as Latin text.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker with the given window size and overlap in characters.
// It requires 0 <= overlap < size.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", models.ErrConfig, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split returns the windows of text in order. Text no longer than the window is
// returned whole; empty text yields no chunks. Each window after the first starts
// overlap characters before the previous one ended, and splitting stops at the
// first window that reaches the end of the text.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= c.size {
		return []string{text}
	}
	var chunks []string
	for start := 0; ; {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

// Chunks splits content and returns one chunk per window carrying doc's identity,
// with ChunkID set to the window ordinal and ChunkTotal to the window count.
func (c *Chunker) Chunks(doc *models.Document, content string) []*models.Chunk {
	pieces := c.Split(content)
	chunks := make([]*models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &models.Chunk{
			DocID:      doc.DocID,
			ChunkID:    i,
			ChunkTotal: len(pieces),
			Title:      doc.Title,
			URL:        doc.URL,
			Source:     doc.Source,
			SearchTerm: doc.SearchTerm,
			Content:    p,
			Metadata:   doc.Metadata,
		}
	}
	return chunks
}
