// Package embedding maps text to fixed-dimension vectors through a remote service,
// a local ONNX model, or a deterministic hashing scheme.
package embedding

import (
	"context"
	"fmt"
	"os"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/models"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// New builds the embedder selected by cfg.Provider. Every returned vector is checked
// against cfg.Dimensions.
func New(cfg *config.EmbeddingConfig) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case "http":
		e, err = NewHTTPEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimensions,
			WithAPIKey(os.Getenv(cfg.APIKeyEnv)),
			WithTimeout(cfg.Timeout),
			WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		)
	case "onnx":
		e, err = NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	case "hash":
		e = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Guard(e, cfg.Dimensions), nil
}
