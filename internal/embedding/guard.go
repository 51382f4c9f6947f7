package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/kenkyu/internal/models"
)

// GuardedEmbedder rejects vectors whose length differs from the configured dimension.
type GuardedEmbedder struct {
	Embedder
	dims int
}

// Guard wraps e so every vector is validated against dims.
func Guard(e Embedder, dims int) *GuardedEmbedder {
	return &GuardedEmbedder{Embedder: e, dims: dims}
}

// Embed returns the embedding for text or a dimension mismatch error.
func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := g.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := g.check(v); err != nil {
		return nil, err
	}
	return v, nil
}

// EmbedBatch returns one embedding per text or a dimension mismatch error.
func (g *GuardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vs, err := g.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", models.ErrEmbeddingService, len(vs), len(texts))
	}
	for _, v := range vs {
		if err := g.check(v); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

// Dimensions returns the configured dimension.
func (g *GuardedEmbedder) Dimensions() int {
	return g.dims
}

func (g *GuardedEmbedder) check(v []float32) error {
	if len(v) != g.dims {
		return fmt.Errorf("%w: %w: got %d, want %d", models.ErrEmbeddingService, models.ErrDimensionMismatch, len(v), g.dims)
	}
	return nil
}
