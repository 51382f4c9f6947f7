package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/search"
	"github.com/hyperjump/kenkyu/internal/storage"
)

const testDims = 16

func newTestServer(t *testing.T) (*Server, *storage.SQLiteStorage) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "kenkyu.db")
	store, err := storage.NewSQLiteStorage(dbPath, storage.Options{Dimensions: testDims})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := &config.Config{
		Database:  config.DatabaseConfig{Driver: "sqlite", SQLitePath: dbPath},
		Embedding: config.EmbeddingConfig{Provider: "hash", Model: "hash", Dimensions: testDims},
		Chunking:  config.ChunkingConfig{Size: 200, Overlap: 20},
		Retrieval: config.RetrievalConfig{DefaultTopK: 2, MaxTopK: 5, ContextMaxTokens: 1000},
		Pipeline:  config.PipelineConfig{Identity: models.Identity{Company: "Acme", Code: "ACME", Market: "NASDAQ"}},
	}
	emb := embedding.NewHashEmbedder(testDims)
	idx, err := indexer.NewIndexer(store, emb, cfg.Chunking)
	if err != nil {
		t.Fatal(err)
	}
	retriever := search.NewRetriever(store, emb, cfg.Retrieval)
	return NewServer(retriever, idx, store, cfg, nil), store
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func seedDocuments(t *testing.T, h http.Handler) {
	t.Helper()
	body := map[string]interface{}{
		"documents": []map[string]interface{}{
			{"title": "Acme revenue", "url": "https://news.example/1", "search_term": "Acme revenue", "content": "Acme revenue grew strongly in the third quarter."},
			{"title": "Acme risks", "url": "https://news.example/2", "search_term": "Acme risks", "content": "Supply chain risks remain for Acme."},
			{"title": "Weather", "url": "https://news.example/3", "search_term": "weather", "content": "Sunny skies expected all week."},
		},
	}
	w := do(t, h, http.MethodPost, "/api/v1/documents", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed: status %d, body %s", w.Code, w.Body.String())
	}
}

func TestHandleIngest(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	seedDocuments(t, h)

	n, err := store.Count(context.Background(), &models.Filter{Metadata: map[string]string{"company": "Acme"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("chunks tagged with company: got %d, want 3", n)
	}

	// Same batch again is a no-op.
	w := do(t, h, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"documents": []map[string]interface{}{
			{"title": "Acme revenue", "url": "https://news.example/1", "search_term": "Acme revenue", "content": "Acme revenue grew strongly in the third quarter."},
		},
	})
	var out ingestResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusCreated || out.Report.Skipped != 1 || out.Report.ChunksInserted != 0 {
		t.Errorf("re-ingest: status %d, report %+v", w.Code, out.Report)
	}
}

func TestHandleIngest_singleAndPartial(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"title": "Single", "url": "https://news.example/s", "content": "One document body.",
	})
	if w.Code != http.StatusCreated {
		t.Errorf("single: status %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"documents": []map[string]interface{}{
			{"title": "Good", "url": "https://news.example/g", "content": "Good body."},
			{"title": "No URL", "content": "Missing the url metadata."},
		},
	})
	if w.Code != http.StatusMultiStatus {
		t.Errorf("partial: status %d, body %s", w.Code, w.Body.String())
	}
	var out ingestResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Report.Failed != 1 || len(out.Report.Failures) != 1 || out.Report.Failures[0].Title != "No URL" {
		t.Errorf("partial report: %+v", out.Report)
	}

	w = do(t, h, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"documents": []map[string]interface{}{{"title": "No URL", "content": "Missing url."}},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("all failed: status %d", w.Code)
	}
}

func TestHandleIngest_badRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	if w := do(t, h, http.MethodPost, "/api/v1/documents", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid json: status %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/documents", map[string]string{"title": "empty"}); w.Code != http.StatusBadRequest {
		t.Errorf("empty: status %d", w.Code)
	}
}

func TestHandleRetrieve(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	seedDocuments(t, h)

	w := do(t, h, http.MethodPost, "/api/v1/retrieve", map[string]interface{}{"query": "Acme revenue grew"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var out retrieveResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.TopK != 2 || len(out.Results) != 2 {
		t.Fatalf("expected default top_k 2 results, got %d (top_k %d)", len(out.Results), out.TopK)
	}
	for i, res := range out.Results {
		if res.Rank != i+1 {
			t.Errorf("result %d rank %d", i, res.Rank)
		}
		if i > 0 && res.Score > out.Results[i-1].Score {
			t.Errorf("results not ordered by score: %v > %v", res.Score, out.Results[i-1].Score)
		}
		if res.Snippet == "" || res.Key == "" {
			t.Errorf("result %d missing snippet or key: %+v", i, res)
		}
	}

	w = do(t, h, http.MethodPost, "/api/v1/retrieve", map[string]interface{}{
		"query":  "anything",
		"top_k":  5,
		"filter": map[string]string{"search_term": "weather"},
	})
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0].Title != "Weather" {
		t.Errorf("filtered results: %+v", out.Results)
	}
}

func TestHandleRetrieve_invalid(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"empty query", map[string]interface{}{"query": "   "}, http.StatusBadRequest},
		{"negative top_k", map[string]interface{}{"query": "q", "top_k": -1}, http.StatusBadRequest},
		{"top_k above max", map[string]interface{}{"query": "q", "top_k": 6}, http.StatusBadRequest},
		{"zero top_k", map[string]interface{}{"query": "q", "top_k": 0}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, "/api/v1/retrieve", tt.body); w.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandleStats(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	seedDocuments(t, h)

	w := do(t, h, http.MethodGet, "/api/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var out struct {
		TotalChunks       int64  `json:"total_chunks"`
		TotalDocuments    int64  `json:"total_documents"`
		UniqueSearchTerms int64  `json:"unique_search_terms"`
		DiskUsageBytes    *int64 `json:"disk_usage_bytes"`
		Config            struct {
			Dimensions int `json:"dimensions"`
		} `json:"config"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.TotalChunks != 3 || out.TotalDocuments != 3 || out.UniqueSearchTerms != 3 {
		t.Errorf("stats: %+v", out)
	}
	if out.DiskUsageBytes == nil || *out.DiskUsageBytes < 1 {
		t.Error("expected disk_usage_bytes for the sqlite driver")
	}
	if out.Config.Dimensions != testDims {
		t.Errorf("dimensions: got %d", out.Config.Dimensions)
	}
}

func TestHandleSearchTerms(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	seedDocuments(t, h)

	w := do(t, h, http.MethodGet, "/api/v1/search-terms?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var out struct {
		SearchTerms []models.SearchTermRecord `json:"search_terms"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.SearchTerms) != 2 {
		t.Errorf("expected 2 terms, got %v", out.SearchTerms)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/search-terms?limit=zero", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.Handler(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"ok"`)) {
		t.Errorf("health: %d %s", w.Code, w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrInvalidArgument, http.StatusBadRequest},
		{models.ErrInvalidDocument, http.StatusBadRequest},
		{models.ErrNotCollected, http.StatusNotFound},
		{models.ErrConflict, http.StatusConflict},
		{models.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{models.ErrEmbeddingService, http.StatusServiceUnavailable},
		{models.ErrDimensionMismatch, http.StatusInternalServerError},
		{models.ErrSchema, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
