package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hyperjump/kenkyu/internal/models"
)

// applyEnv overrides file settings with the deployment environment variables.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("DATABASE_URL"); ok && v != "" {
		cfg.Database.URL = v
		cfg.Database.Driver = "postgres"
	}
	if v, ok := os.LookupEnv("RAG_MODEL_NAME"); ok && v != "" {
		cfg.Embedding.Model = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"RAG_VECTOR_DIM", &cfg.Embedding.Dimensions},
		{"RAG_CHUNK_SIZE", &cfg.Chunking.Size},
		{"RAG_CHUNK_OVERLAP", &cfg.Chunking.Overlap},
		{"RAG_TOP_K", &cfg.Retrieval.DefaultTopK},
		{"RAG_MAX_TOKENS", &cfg.Retrieval.ContextMaxTokens},
		{"DB_MIN_CONNECTIONS", &cfg.Database.Pool.MinConns},
		{"DB_MAX_CONNECTIONS", &cfg.Database.Pool.MaxConns},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", models.ErrConfig, e.name, v)
		}
		*e.dst = n
	}
	if v, ok := os.LookupEnv("DB_CONNECTION_TIMEOUT"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DB_CONNECTION_TIMEOUT=%q is not a number of seconds", models.ErrConfig, v)
		}
		cfg.Database.Pool.AcquireTimeout = time.Duration(secs) * time.Second
	}
	return nil
}
