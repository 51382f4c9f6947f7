// Package search retrieves the chunks most relevant to a query and packs them into
// prompt-ready context.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/pkg/utils"
	"go.uber.org/zap"
)

// Retriever runs nearest-neighbour retrieval against the store.
type Retriever struct {
	store    storage.Store
	embedder embedding.Embedder
	config   config.RetrievalConfig
	retry    utils.RetryPolicy
	logger   *zap.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithLogger sets a logger for retrieval events.
func WithLogger(l *zap.Logger) RetrieverOption {
	return func(r *Retriever) { r.logger = l }
}

// WithRetryPolicy sets the backoff used for transient failures.
func WithRetryPolicy(p utils.RetryPolicy) RetrieverOption {
	return func(r *Retriever) { r.retry = p }
}

// NewRetriever creates a retriever. The embedder is typically wrapped with embedding.Cached
// since the same section queries recur across runs.
func NewRetriever(store storage.Store, embedder embedding.Embedder, cfg config.RetrievalConfig, opts ...RetrieverOption) *Retriever {
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 20
	}
	if cfg.DefaultTopK <= 0 || cfg.DefaultTopK > cfg.MaxTopK {
		cfg.DefaultTopK = min(10, cfg.MaxTopK)
	}
	r := &Retriever{
		store:    store,
		embedder: embedder,
		config:   cfg,
		retry:    utils.RetryPolicy{MaxAttempts: 1},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultTopK returns the configured default result count.
func (r *Retriever) DefaultTopK() int {
	return r.config.DefaultTopK
}

// Retrieve returns up to topK chunks ordered by non-increasing similarity with ranks 1..n.
// topK of zero yields an empty result; a negative topK or one above the configured
// maximum is rejected. There is no similarity threshold.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter *models.Filter) ([]*models.ScoredChunk, error) {
	q, err := ProcessQuery(query)
	if err != nil {
		return nil, err
	}
	if topK < 0 || topK > r.config.MaxTopK {
		return nil, fmt.Errorf("%w: top_k %d outside [0, %d]", models.ErrInvalidArgument, topK, r.config.MaxTopK)
	}
	if topK == 0 {
		return []*models.ScoredChunk{}, nil
	}
	start := time.Now()

	var vec []float32
	err = utils.Retry(ctx, r.retry, models.IsTransient, func(ctx context.Context) error {
		var err error
		vec, err = r.embedder.Embed(ctx, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var results []*models.ScoredChunk
	err = utils.Retry(ctx, r.retry, models.IsTransient, func(ctx context.Context) error {
		var err error
		results, err = r.store.Search(ctx, vec, topK, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if results == nil {
		results = []*models.ScoredChunk{}
	}
	for i, res := range results {
		res.Rank = i + 1
	}
	r.logger.Debug("retrieved",
		zap.String("query", utils.Truncate(q, 80)),
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)),
	)
	return results, nil
}
