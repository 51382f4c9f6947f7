// Package models defines core data structures for documents, chunks, and retrieval results.
package models

import "time"

// Identity names the entity a research run targets.
type Identity struct {
	Company string `json:"company" yaml:"company"`
	Code    string `json:"code" yaml:"code"`
	Market  string `json:"market" yaml:"market"`
}

// Document is a source document produced by a collector, before chunking.
type Document struct {
	DocID      string                 `json:"doc_id"`
	Title      string                 `json:"title"`
	URL        string                 `json:"url"`
	Source     string                 `json:"source"`
	SearchTerm string                 `json:"search_term"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Chunk is a contiguous slice of a document with its embedding, as persisted in the store.
type Chunk struct {
	ID         int64                  `json:"id" db:"id"`
	DocID      string                 `json:"doc_id" db:"doc_id"`
	ChunkID    int                    `json:"chunk_id" db:"chunk_id"`
	ChunkTotal int                    `json:"chunk_total" db:"chunk_total"`
	Title      string                 `json:"title" db:"title"`
	URL        string                 `json:"url" db:"url"`
	Source     string                 `json:"source" db:"source"`
	SearchTerm string                 `json:"search_term" db:"search_term"`
	Content    string                 `json:"content" db:"content"`
	Embedding  []float32              `json:"-" db:"embedding"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at" db:"updated_at"`
}

// Key returns the externally visible unique key of the chunk.
func (c *Chunk) Key() string {
	return ChunkKey(c.DocID, c.ChunkID)
}
