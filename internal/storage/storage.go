// Package storage persists chunks with their embeddings and answers nearest-neighbour queries.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/models"
	"go.uber.org/zap"
)

// Store is the vector-searchable document store. Implementations never retry;
// callers decide how to handle models.ErrStoreUnavailable.
type Store interface {
	// Exists reports whether every chunk of the document is stored.
	Exists(ctx context.Context, docID string) (bool, error)
	// ExistingChunks returns the chunk ordinals of docID already stored.
	ExistingChunks(ctx context.Context, docID string) (map[int]bool, error)
	// Upsert inserts the chunk unless its key exists. An existing key with identical
	// content only has updated_at touched and reports inserted=false; different content
	// fails with models.ErrConflict.
	Upsert(ctx context.Context, chunk *models.Chunk) (inserted bool, err error)
	// Search returns up to topK chunks by descending cosine similarity, ties broken by newest first.
	Search(ctx context.Context, embedding []float32, topK int, filter *models.Filter) ([]*models.ScoredChunk, error)
	// Count returns the number of chunks matching filter.
	Count(ctx context.Context, filter *models.Filter) (int64, error)
	// Stats returns totals computed from a single consistent snapshot.
	Stats(ctx context.Context) (*models.Stats, error)
	// SearchTerms lists search terms by number of chunks collected under them.
	SearchTerms(ctx context.Context, limit int) ([]*models.SearchTermRecord, error)
	// Export writes every chunk, without embeddings, as JSON.
	Export(ctx context.Context, w io.Writer) error
	// Dimensions returns the embedding dimension the store was opened with.
	Dimensions() int
	Close() error
}

// Options configures a store backend.
type Options struct {
	Dimensions  int
	MaxTopK     int
	Table       string
	HidePartial bool
	Pool        config.PoolConfig
	Logger      *zap.Logger
}

// Open opens the backend selected by cfg.Database.Driver.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	opts := OptionsFromConfig(cfg, logger)
	switch cfg.Database.Driver {
	case "postgres":
		return NewPostgresStore(ctx, cfg.Database.URL, opts)
	case "sqlite":
		return NewSQLiteStorage(cfg.Database.SQLitePath, opts)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", models.ErrConfig, cfg.Database.Driver)
	}
}

// OptionsFromConfig derives store options from the application config.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) Options {
	return Options{
		Dimensions:  cfg.Embedding.Dimensions,
		MaxTopK:     cfg.Retrieval.MaxTopK,
		Table:       cfg.Database.Table,
		HidePartial: cfg.Ingest.PartialDocuments == config.PartialHidden,
		Pool:        cfg.Database.Pool,
		Logger:      logger,
	}
}

var (
	identRe       = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	metadataKeyRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

func (o *Options) normalize() error {
	if o.Dimensions <= 0 {
		return fmt.Errorf("%w: store dimension must be positive", models.ErrConfig)
	}
	if o.MaxTopK <= 0 {
		o.MaxTopK = 20
	}
	if o.Table == "" {
		o.Table = "documents"
	}
	if !identRe.MatchString(o.Table) {
		return fmt.Errorf("%w: invalid table name %q", models.ErrConfig, o.Table)
	}
	if o.Pool.MaxConns <= 0 {
		o.Pool.MaxConns = 10
	}
	if o.Pool.AcquireTimeout <= 0 {
		o.Pool.AcquireTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

func validateChunk(c *models.Chunk, dims int) error {
	if c == nil || c.DocID == "" || c.ChunkID < 0 {
		return fmt.Errorf("%w: chunk needs a doc_id and a non-negative chunk_id", models.ErrInvalidArgument)
	}
	if len(c.Embedding) != dims {
		return fmt.Errorf("%w: chunk %s has %d dimensions, store has %d", models.ErrDimensionMismatch, c.Key(), len(c.Embedding), dims)
	}
	return nil
}

func validateSearch(embedding []float32, topK, maxTopK, dims int) error {
	if topK <= 0 || topK > maxTopK {
		return fmt.Errorf("%w: top_k must be in [1, %d], got %d", models.ErrInvalidArgument, maxTopK, topK)
	}
	if len(embedding) != dims {
		return fmt.Errorf("%w: query has %d dimensions, store has %d", models.ErrDimensionMismatch, len(embedding), dims)
	}
	return nil
}

// dialect abstracts the placeholder and JSON syntax of a SQL backend.
type dialect struct {
	placeholder func(n int) string
	// metadataEq compares the text value of a metadata key with a parameter.
	metadataEq  func(keyPH, valuePH string) string
	metadataKey func(key string) string
}

// whereClause renders filter as a WHERE clause whose placeholders start at firstArg.
// The returned args line up with those placeholders.
func whereClause(d dialect, table string, filter *models.Filter, hidePartial bool, firstArg int) (string, []any, error) {
	var conds []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return d.placeholder(firstArg + len(args) - 1)
	}
	if filter != nil {
		if filter.SearchTerm != "" {
			conds = append(conds, "search_term = "+next(filter.SearchTerm))
		}
		if filter.Source != "" {
			conds = append(conds, "source = "+next(filter.Source))
		}
		if filter.DocID != "" {
			conds = append(conds, "doc_id = "+next(filter.DocID))
		}
		keys := make([]string, 0, len(filter.Metadata))
		for k := range filter.Metadata {
			if !metadataKeyRe.MatchString(k) {
				return "", nil, fmt.Errorf("%w: invalid metadata key %q", models.ErrInvalidArgument, k)
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			keyPH := next(d.metadataKey(k))
			conds = append(conds, d.metadataEq(keyPH, next(filter.Metadata[k])))
		}
	}
	if hidePartial {
		conds = append(conds, fmt.Sprintf("(SELECT COUNT(*) FROM %s p WHERE p.doc_id = %s.doc_id) >= %s.chunk_total", table, table, table))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func marshalMetadata(md map[string]interface{}) ([]byte, error) {
	if md == nil {
		md = map[string]interface{}{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal metadata: %v", models.ErrInvalidArgument, err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var md map[string]interface{}
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return md, nil
}

type exportDocument struct {
	ExportedAt time.Time       `json:"exported_at"`
	Total      int             `json:"total"`
	Chunks     []*models.Chunk `json:"chunks"`
}

func writeExport(w io.Writer, chunks []*models.Chunk) error {
	if chunks == nil {
		chunks = []*models.Chunk{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exportDocument{ExportedAt: time.Now().UTC(), Total: len(chunks), Chunks: chunks})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
