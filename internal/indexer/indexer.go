// Package indexer chunks, embeds, and persists documents with incremental resume.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Document outcomes reported by IngestDocument.
const (
	StatusIngested = "ingested"
	StatusSkipped  = "skipped"
)

// Indexer is the ingestion coordinator: it turns documents into stored, embedded chunks.
type Indexer struct {
	store       storage.Store
	embedder    embedding.Embedder
	chunker     *Chunker
	parallelism int
	retry       utils.RetryPolicy
	logger      *zap.Logger // optional; when set, logs per-document events
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for ingestion events.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithParallelism bounds concurrent embedding calls per document.
func WithParallelism(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.parallelism = n
		}
	}
}

// WithRetryPolicy sets the backoff used for transient store and embedding errors.
func WithRetryPolicy(p utils.RetryPolicy) IndexerOption {
	return func(idx *Indexer) { idx.retry = p }
}

// NewIndexer creates an indexer. The embedder and store must agree on the dimension.
func NewIndexer(store storage.Store, embedder embedding.Embedder, cfg config.ChunkingConfig, opts ...IndexerOption) (*Indexer, error) {
	if embedder.Dimensions() != store.Dimensions() {
		return nil, fmt.Errorf("%w: embedder produces %d, store holds %d",
			models.ErrDimensionMismatch, embedder.Dimensions(), store.Dimensions())
	}
	chunker, err := NewChunker(cfg.Size, cfg.Overlap)
	if err != nil {
		return nil, err
	}
	idx := &Indexer{
		store:       store,
		embedder:    embedder,
		chunker:     chunker,
		parallelism: 1,
		retry:       utils.RetryPolicy{MaxAttempts: 1},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// FromConfig returns the options derived from cfg: embedding parallelism and the ingest retry policy.
func FromConfig(cfg *config.Config) []IndexerOption {
	return []IndexerOption{
		WithParallelism(cfg.Embedding.Parallelism),
		WithRetryPolicy(RetryPolicy(cfg.Ingest)),
	}
}

// RetryPolicy converts ingest settings into a retry policy.
func RetryPolicy(cfg config.IngestConfig) utils.RetryPolicy {
	return utils.RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.Backoff, MaxBackoff: cfg.MaxBackoff}
}

// DocumentReport describes the outcome of one document.
type DocumentReport struct {
	DocID          string `json:"doc_id"`
	Status         string `json:"status"`
	Chunks         int    `json:"chunks"`
	ChunksInserted int    `json:"chunks_inserted"`
	ChunksSkipped  int    `json:"chunks_skipped"`
}

// DocumentFailure records a document that could not be ingested.
type DocumentFailure struct {
	DocID string `json:"doc_id"`
	Title string `json:"title"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// BatchReport aggregates a batch.
type BatchReport struct {
	Documents      int               `json:"documents"`
	Ingested       int               `json:"ingested"`
	Skipped        int               `json:"skipped"`
	Failed         int               `json:"failed"`
	ChunksInserted int               `json:"chunks_inserted"`
	ChunksSkipped  int               `json:"chunks_skipped"`
	Failures       []DocumentFailure `json:"failures,omitempty"`
}

func (r *BatchReport) add(dr *DocumentReport) {
	switch dr.Status {
	case StatusSkipped:
		r.Skipped++
	default:
		r.Ingested++
	}
	r.ChunksInserted += dr.ChunksInserted
	r.ChunksSkipped += dr.ChunksSkipped
}

// Merge adds other's counts and failures to r.
func (r *BatchReport) Merge(other *BatchReport) {
	if other == nil {
		return
	}
	r.Documents += other.Documents
	r.Ingested += other.Ingested
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.ChunksInserted += other.ChunksInserted
	r.ChunksSkipped += other.ChunksSkipped
	r.Failures = append(r.Failures, other.Failures...)
}

// PartialIngestionError is returned when some documents of a batch failed.
type PartialIngestionError struct {
	Total    int
	Failures []DocumentFailure
}

func (e *PartialIngestionError) Error() string {
	return fmt.Sprintf("%d of %d documents failed to ingest", len(e.Failures), e.Total)
}

func (e *PartialIngestionError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

func validateDocument(doc *models.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", models.ErrInvalidDocument)
	}
	if doc.DocID == "" {
		return fmt.Errorf("%w: empty doc_id", models.ErrInvalidDocument)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return fmt.Errorf("%w: %s has no content", models.ErrInvalidDocument, doc.DocID)
	}
	return models.ValidateMetadata(doc.Source, doc.Metadata)
}

// IngestDocument stores every missing chunk of doc. A document already complete in the
// store is skipped without embedding; a partially stored one resumes at the missing chunks.
// With parallelism 1 chunks are processed in order and processing stops at the first
// failure, leaving earlier chunks persisted.
func (idx *Indexer) IngestDocument(ctx context.Context, doc *models.Document) (*DocumentReport, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	report := &DocumentReport{DocID: doc.DocID}

	var exists bool
	err := idx.withRetry(ctx, func(ctx context.Context) error {
		var err error
		exists, err = idx.store.Exists(ctx, doc.DocID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", doc.DocID, err)
	}
	if exists {
		report.Status = StatusSkipped
		idx.logger.Debug("document already stored", zap.String("doc_id", doc.DocID))
		return report, nil
	}

	chunks := idx.chunker.Chunks(doc, Preprocess(doc.Content))
	report.Chunks = len(chunks)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s has no content after preprocessing", models.ErrInvalidDocument, doc.DocID)
	}

	var present map[int]bool
	err = idx.withRetry(ctx, func(ctx context.Context) error {
		var err error
		present, err = idx.store.ExistingChunks(ctx, doc.DocID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("existing chunks of %s: %w", doc.DocID, err)
	}

	var inserted, skipped atomic.Int64
	skipped.Add(int64(len(present)))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.parallelism)
	for _, c := range chunks {
		c := c
		if present[c.ChunkID] {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ok, err := idx.ingestChunk(gctx, c)
			if err != nil {
				return err
			}
			if ok {
				inserted.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	report.ChunksInserted = int(inserted.Load())
	report.ChunksSkipped = int(skipped.Load())
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			idx.logger.Warn("chunk key conflict", zap.String("doc_id", doc.DocID), zap.Error(err))
		}
		return report, fmt.Errorf("ingest %s: %w", doc.DocID, err)
	}
	report.Status = StatusIngested
	idx.logger.Debug("document ingested",
		zap.String("doc_id", doc.DocID),
		zap.Int("chunks", report.Chunks),
		zap.Int("inserted", report.ChunksInserted),
	)
	return report, nil
}

func (idx *Indexer) ingestChunk(ctx context.Context, c *models.Chunk) (bool, error) {
	err := idx.withRetry(ctx, func(ctx context.Context) error {
		v, err := idx.embedder.Embed(ctx, c.Content)
		if err != nil {
			return err
		}
		c.Embedding = v
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("embed chunk %d: %w", c.ChunkID, err)
	}
	var inserted bool
	err = idx.withRetry(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = idx.store.Upsert(ctx, c)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store chunk %d: %w", c.ChunkID, err)
	}
	return inserted, nil
}

// IngestBatch ingests docs in order. Cancellation of ctx is honoured between documents
// only: a document already started runs to completion. Per-document failures are collected
// and returned as *PartialIngestionError; a fatal error stops the batch immediately.
func (idx *Indexer) IngestBatch(ctx context.Context, docs []*models.Document) (*BatchReport, error) {
	report := &BatchReport{Documents: len(docs)}
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			idx.logger.Info("ingestion cancelled", zap.Int("done", i), zap.Int("total", len(docs)))
			return report, fmt.Errorf("ingestion cancelled after %d of %d documents: %w", i, len(docs), err)
		}
		dr, err := idx.IngestDocument(context.WithoutCancel(ctx), doc)
		if err != nil {
			if models.IsFatal(err) {
				return report, err
			}
			f := DocumentFailure{Err: err, Error: err.Error()}
			if doc != nil {
				f.DocID, f.Title = doc.DocID, doc.Title
			}
			if dr != nil {
				report.ChunksInserted += dr.ChunksInserted
				report.ChunksSkipped += dr.ChunksSkipped
			}
			report.Failed++
			report.Failures = append(report.Failures, f)
			idx.logger.Warn("document failed", zap.String("doc_id", f.DocID), zap.Error(err))
			continue
		}
		report.add(dr)
	}
	idx.logger.Info("batch ingested",
		zap.Int("documents", report.Documents),
		zap.Int("ingested", report.Ingested),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("chunks_inserted", report.ChunksInserted),
	)
	if len(report.Failures) > 0 {
		return report, &PartialIngestionError{Total: len(docs), Failures: report.Failures}
	}
	return report, nil
}

func (idx *Indexer) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return utils.Retry(ctx, idx.retry, models.IsTransient, fn)
}
