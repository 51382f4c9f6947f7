// Package config provides configuration loading and structs for kenkyu.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects and configures the vector store backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver     string     `yaml:"driver"`
	URL        string     `yaml:"url"`
	SQLitePath string     `yaml:"sqlite_path"`
	Table      string     `yaml:"table"`
	Pool       PoolConfig `yaml:"pool"`
}

// PoolConfig bounds the connection pool shared by all stages.
type PoolConfig struct {
	MinConns       int           `yaml:"min_conns"`
	MaxConns       int           `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// EmbeddingConfig holds embedder settings.
type EmbeddingConfig struct {
	// Provider is "http", "onnx" or "hash".
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	Dimensions        int           `yaml:"dimensions"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Parallelism       int           `yaml:"parallelism"`
	CacheSize         int           `yaml:"cache_size"`
	ModelPath         string        `yaml:"model_path"`
	MaxTokens         int           `yaml:"max_tokens"`
}

// ChunkingConfig sets the character window used to split documents.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// RetrievalConfig holds top-K and context budget settings.
type RetrievalConfig struct {
	DefaultTopK      int `yaml:"default_top_k"`
	MaxTopK          int `yaml:"max_top_k"`
	ContextMaxTokens int `yaml:"context_max_tokens"`
}

// Partial document policies.
const (
	PartialRetrievable = "retrievable"
	PartialHidden      = "hidden"
)

// IngestConfig holds retry and partial-document settings.
type IngestConfig struct {
	PartialDocuments string        `yaml:"partial_documents"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// PipelineConfig holds the stage inputs and outputs.
type PipelineConfig struct {
	Identity             models.Identity `yaml:"identity"`
	OutputDir            string          `yaml:"output_dir"`
	SearchCacheDir       string          `yaml:"search_cache_dir"`
	DocumentsDir         string          `yaml:"documents_dir"`
	DocumentExtensions   []string        `yaml:"document_extensions"`
	Sections             []string        `yaml:"sections"`
	CollectorParallelism int             `yaml:"collector_parallelism"`
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Extensions  []string      `yaml:"extensions"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads the config file at path, loads a sibling .env file if present, applies
// defaults and environment overrides, expands paths, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	configDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", models.ErrConfig, err)
	}
	return finish(&cfg, configDir)
}

// Default returns the default configuration with environment overrides applied.
// Relative paths resolve against dir.
func Default(dir string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}
	return finish(&Config{}, dir)
}

func finish(cfg *Config, configDir string) (*Config, error) {
	ApplyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Database.SQLitePath = expandPath(cfg.Database.SQLitePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	cfg.Pipeline.OutputDir = expandPath(cfg.Pipeline.OutputDir, configDir)
	cfg.Pipeline.SearchCacheDir = expandPath(cfg.Pipeline.SearchCacheDir, configDir)
	cfg.Pipeline.DocumentsDir = expandPath(cfg.Pipeline.DocumentsDir, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the process cannot run with. Errors wrap models.ErrConfig.
func (c *Config) Validate() error {
	var problems []string
	if c.Embedding.Dimensions <= 0 {
		problems = append(problems, "embedding.dimensions must be positive")
	}
	if c.Chunking.Size <= 0 {
		problems = append(problems, "chunking.size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		problems = append(problems, "chunking.overlap must be in [0, size)")
	}
	if c.Retrieval.MaxTopK <= 0 {
		problems = append(problems, "retrieval.max_top_k must be positive")
	}
	if c.Retrieval.DefaultTopK <= 0 || c.Retrieval.DefaultTopK > c.Retrieval.MaxTopK {
		problems = append(problems, "retrieval.default_top_k must be in [1, max_top_k]")
	}
	if c.Database.Pool.MinConns < 0 || c.Database.Pool.MaxConns <= 0 || c.Database.Pool.MinConns > c.Database.Pool.MaxConns {
		problems = append(problems, "database.pool requires 0 <= min_conns <= max_conns and max_conns > 0")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for the postgres driver")
		}
	case "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}
	switch c.Embedding.Provider {
	case "http", "onnx", "hash":
	default:
		problems = append(problems, fmt.Sprintf("unknown embedding.provider %q", c.Embedding.Provider))
	}
	switch c.Ingest.PartialDocuments {
	case PartialRetrievable, PartialHidden:
	default:
		problems = append(problems, fmt.Sprintf("unknown ingest.partial_documents %q", c.Ingest.PartialDocuments))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%w: failed to load %s: %v", models.ErrConfig, path, err)
}

// expandPath converts a path to absolute. "~/" expands to the home directory;
// other relative paths are relative to configDir.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(configDir, path)
}
