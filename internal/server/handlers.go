package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperjump/kenkyu/internal/collect"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/search"
	"github.com/hyperjump/kenkyu/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultSnippetLen   = 240
	defaultSearchTerms  = 20
	maxRequestBodyBytes = 32 << 20
)

type retrieveRequest struct {
	Query  string         `json:"query"`
	TopK   *int           `json:"top_k,omitempty"`
	Filter *models.Filter `json:"filter,omitempty"`
	// SnippetLen bounds the highlighted snippet per result; 0 uses the default.
	SnippetLen int `json:"snippet_len,omitempty"`
}

type retrieveResult struct {
	Rank       int                    `json:"rank"`
	Score      float64                `json:"score"`
	Key        string                 `json:"key"`
	DocID      string                 `json:"doc_id"`
	ChunkID    int                    `json:"chunk_id"`
	Title      string                 `json:"title"`
	URL        string                 `json:"url"`
	Source     string                 `json:"source"`
	SearchTerm string                 `json:"search_term"`
	Snippet    string                 `json:"snippet"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type retrieveResponse struct {
	Query   string           `json:"query"`
	TopK    int              `json:"top_k"`
	Results []retrieveResult `json:"results"`
	TookMS  int64            `json:"took_ms"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	topK := s.retriever.DefaultTopK()
	if req.TopK != nil {
		topK = *req.TopK
	}
	snippetLen := req.SnippetLen
	if snippetLen <= 0 {
		snippetLen = defaultSnippetLen
	}
	s.logger.Debug("retrieve request", zap.String("query", req.Query), zap.Int("top_k", topK))
	start := time.Now()
	results, err := s.retriever.Retrieve(r.Context(), req.Query, topK, req.Filter)
	if err != nil {
		s.respondFailure(w, "retrieve", err)
		return
	}
	resp := retrieveResponse{
		Query:   req.Query,
		TopK:    topK,
		Results: make([]retrieveResult, 0, len(results)),
		TookMS:  time.Since(start).Milliseconds(),
	}
	for _, res := range results {
		c := res.Chunk
		resp.Results = append(resp.Results, retrieveResult{
			Rank:       res.Rank,
			Score:      res.Score,
			Key:        c.Key(),
			DocID:      c.DocID,
			ChunkID:    c.ChunkID,
			Title:      c.Title,
			URL:        c.URL,
			Source:     c.Source,
			SearchTerm: c.SearchTerm,
			Snippet:    search.Highlight(c.Content, req.Query, snippetLen),
			Content:    c.Content,
			Metadata:   c.Metadata,
		})
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// ingestRequest accepts either a single document or a batch under "documents".
type ingestRequest struct {
	models.Document
	Documents []*models.Document `json:"documents,omitempty"`
	Identity  *models.Identity   `json:"identity,omitempty"`
}

type ingestResponse struct {
	Status string               `json:"status"`
	Report *indexer.BatchReport `json:"report"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	docs := req.Documents
	if len(docs) == 0 {
		if req.Content == "" {
			s.respondError(w, http.StatusBadRequest, "no documents in request")
			return
		}
		doc := req.Document
		docs = []*models.Document{&doc}
	}
	id := s.config.Pipeline.Identity
	if req.Identity != nil {
		id = *req.Identity
	}
	for i, d := range docs {
		if d == nil {
			s.respondError(w, http.StatusBadRequest, "null document in request")
			return
		}
		collect.Normalize(d, i, id)
	}
	s.logger.Debug("ingest request", zap.Int("documents", len(docs)))
	report, err := s.indexer.IngestBatch(r.Context(), docs)
	var partial *indexer.PartialIngestionError
	switch {
	case errors.As(err, &partial):
		status := http.StatusMultiStatus
		if report.Ingested+report.Skipped == 0 {
			status = http.StatusUnprocessableEntity
		}
		s.respondJSON(w, status, ingestResponse{Status: "partial", Report: report})
	case err != nil:
		s.respondFailure(w, "ingest", err)
	default:
		s.respondJSON(w, http.StatusCreated, ingestResponse{Status: "ingested", Report: report})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondFailure(w, "stats", err)
		return
	}
	resp := map[string]interface{}{
		"total_chunks":        stats.TotalChunks,
		"total_documents":     stats.TotalDocuments,
		"unique_search_terms": stats.UniqueSearchTerms,
	}
	if stats.LastUpdated != nil {
		resp["last_updated"] = stats.LastUpdated
	}
	if s.config != nil {
		resp["config"] = map[string]interface{}{
			"driver":          s.config.Database.Driver,
			"embedding_model": s.config.Embedding.Model,
			"dimensions":      s.store.Dimensions(),
			"chunk_size":      s.config.Chunking.Size,
			"chunk_overlap":   s.config.Chunking.Overlap,
			"default_top_k":   s.config.Retrieval.DefaultTopK,
			"max_top_k":       s.config.Retrieval.MaxTopK,
		}
		if s.config.Database.Driver == "sqlite" {
			if n, err := storage.DatabaseSize(s.config.Database.SQLitePath); err == nil {
				resp["disk_usage_bytes"] = n
			}
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchTerms(w http.ResponseWriter, r *http.Request) {
	limit := defaultSearchTerms
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	terms, err := s.store.SearchTerms(r.Context(), limit)
	if err != nil {
		s.respondFailure(w, "search terms", err)
		return
	}
	if terms == nil {
		terms = []*models.SearchTermRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"search_terms": terms})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotCollected):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case models.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
