package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/kenkyu/internal/models"
)

var envKeys = []string{
	"DATABASE_URL", "RAG_MODEL_NAME", "RAG_VECTOR_DIM", "RAG_CHUNK_SIZE", "RAG_CHUNK_OVERLAP",
	"RAG_TOP_K", "RAG_MAX_TOKENS", "DB_MIN_CONNECTIONS", "DB_MAX_CONNECTIONS", "DB_CONNECTION_TIMEOUT",
}

// clearEnv blanks every override so the host environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  host: "127.0.0.1"
  port: 9000
database:
  driver: sqlite
  sqlite_path: "./data/test.db"
  pool:
    max_conns: 4
    acquire_timeout: 5s
chunking:
  size: 300
  overlap: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if want := filepath.Join(dir, "data", "test.db"); cfg.Database.SQLitePath != want {
		t.Errorf("sqlite_path = %s, want %s", cfg.Database.SQLitePath, want)
	}
	if cfg.Database.Pool.MaxConns != 4 || cfg.Database.Pool.AcquireTimeout != 5*time.Second {
		t.Errorf("unexpected pool config: %+v", cfg.Database.Pool)
	}
	if cfg.Chunking.Size != 300 || cfg.Chunking.Overlap != 30 {
		t.Errorf("unexpected chunking: %+v", cfg.Chunking)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_expandPathRelativeToConfigDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
pipeline:
  output_dir: reports
  search_cache_dir: ./cache
watch:
  directories: ["./inbox"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "reports"); cfg.Pipeline.OutputDir != want {
		t.Errorf("output_dir = %s, want %s", cfg.Pipeline.OutputDir, want)
	}
	if want := filepath.Join(dir, "cache"); cfg.Pipeline.SearchCacheDir != want {
		t.Errorf("search_cache_dir = %s, want %s", cfg.Pipeline.SearchCacheDir, want)
	}
	if len(cfg.Watch.Directories) != 1 || cfg.Watch.Directories[0] != filepath.Join(dir, "inbox") {
		t.Errorf("watch directories: got %v", cfg.Watch.Directories)
	}
}

func TestLoad_envOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RAG_VECTOR_DIM", "768")
	t.Setenv("RAG_CHUNK_SIZE", "800")
	t.Setenv("DB_CONNECTION_TIMEOUT", "7")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/research")
	dir := t.TempDir()
	path := writeConfig(t, dir, "embedding:\n  dimensions: 384\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.Dimensions != 768 {
		t.Errorf("dimensions = %d, want 768", cfg.Embedding.Dimensions)
	}
	if cfg.Chunking.Size != 800 {
		t.Errorf("chunk size = %d, want 800", cfg.Chunking.Size)
	}
	if cfg.Database.Pool.AcquireTimeout != 7*time.Second {
		t.Errorf("acquire timeout = %v", cfg.Database.Pool.AcquireTimeout)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.URL == "" {
		t.Errorf("DATABASE_URL should select postgres: %+v", cfg.Database)
	}
}

func TestLoad_dotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("RAG_TOP_K=5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// godotenv sets variables in the process; restore afterwards.
	t.Cleanup(func() { os.Unsetenv("RAG_TOP_K") })
	os.Unsetenv("RAG_TOP_K")
	cfg, err := Load(writeConfig(t, dir, "debug: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.DefaultTopK != 5 {
		t.Errorf("default_top_k = %d, want 5 from .env", cfg.Retrieval.DefaultTopK)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_invalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RAG_VECTOR_DIM", "many")
	_, err := Load(writeConfig(t, t.TempDir(), "debug: false\n"))
	if !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimension", func(c *Config) { c.Embedding.Dimensions = -1 }},
		{"overlap equals size", func(c *Config) { c.Chunking.Overlap = c.Chunking.Size }},
		{"negative overlap", func(c *Config) { c.Chunking.Overlap = -1 }},
		{"default top k above max", func(c *Config) { c.Retrieval.DefaultTopK = c.Retrieval.MaxTopK + 1 }},
		{"min conns above max", func(c *Config) { c.Database.Pool.MinConns = 20 }},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "magic" }},
		{"unknown partial policy", func(c *Config) { c.Ingest.PartialDocuments = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("defaults should validate: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, models.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("default server: got %+v", cfg.Server)
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("default dimensions: got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Chunking.Size != 500 || cfg.Chunking.Overlap != 50 {
		t.Errorf("default chunking: got %+v", cfg.Chunking)
	}
	if cfg.Retrieval.DefaultTopK != 10 || cfg.Retrieval.MaxTopK != 20 {
		t.Errorf("default retrieval: got %+v", cfg.Retrieval)
	}
	if cfg.Database.Pool.MinConns != 1 || cfg.Database.Pool.MaxConns != 10 || cfg.Database.Pool.AcquireTimeout != 30*time.Second {
		t.Errorf("default pool: got %+v", cfg.Database.Pool)
	}
	if cfg.Ingest.PartialDocuments != PartialRetrievable {
		t.Errorf("default partial policy: got %q", cfg.Ingest.PartialDocuments)
	}
	if len(cfg.Pipeline.Sections) != len(DefaultSections) {
		t.Errorf("default sections: got %v", cfg.Pipeline.Sections)
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/docs"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	f := false
	if !(&WatchConfig{}).RecursiveOrDefault() {
		t.Error("nil should default to true")
	}
	if (&WatchConfig{Recursive: &f}).RecursiveOrDefault() {
		t.Error("explicit false should be honoured")
	}
}

func TestSave(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{Server: ServerConfig{Host: "localhost", Port: 9090}}
	ApplyDefaults(cfg)
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}
