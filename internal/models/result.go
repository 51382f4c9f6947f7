package models

import (
	"fmt"
	"time"
)

// ScoredChunk is a retrieved chunk with its cosine similarity to the query.
type ScoredChunk struct {
	Chunk *Chunk  `json:"chunk"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// Stats summarizes store contents at a single point in time.
type Stats struct {
	TotalChunks       int64      `json:"total_chunks"`
	TotalDocuments    int64      `json:"total_documents"`
	UniqueSearchTerms int64      `json:"unique_search_terms"`
	LastUpdated       *time.Time `json:"last_updated,omitempty"`
}

// SearchTermRecord aggregates the chunks collected under one search term.
type SearchTermRecord struct {
	Term     string    `json:"term"`
	Chunks   int64     `json:"chunks"`
	LastUsed time.Time `json:"last_used"`
}

// Filter restricts a search to matching chunks. Zero fields are ignored.
type Filter struct {
	SearchTerm string            `json:"search_term,omitempty"`
	Source     string            `json:"source,omitempty"`
	DocID      string            `json:"doc_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsEmpty reports whether the filter matches everything.
func (f *Filter) IsEmpty() bool {
	return f == nil || (f.SearchTerm == "" && f.Source == "" && f.DocID == "" && len(f.Metadata) == 0)
}

// ChunkKey formats the unique key for chunk ordinal chunkID of document docID.
func ChunkKey(docID string, chunkID int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, chunkID)
}
