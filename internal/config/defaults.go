package config

import "time"

// DefaultSections are the report sections generated when none are configured.
var DefaultSections = []string{
	"Company Overview",
	"Business and Competitive Position",
	"Financial Analysis",
	"Industry and Peers",
	"Valuation",
	"Governance and Shareholders",
	"Risks",
	"Investment View",
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "./data/kenkyu.db"
	}
	if cfg.Database.Table == "" {
		cfg.Database.Table = "documents"
	}
	if cfg.Database.Pool.MinConns == 0 {
		cfg.Database.Pool.MinConns = 1
	}
	if cfg.Database.Pool.MaxConns == 0 {
		cfg.Database.Pool.MaxConns = 10
	}
	if cfg.Database.Pool.AcquireTimeout == 0 {
		cfg.Database.Pool.AcquireTimeout = 30 * time.Second
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "all-MiniLM-L6-v2"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "EMBEDDING_API_KEY"
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Embedding.RequestsPerSecond == 0 {
		cfg.Embedding.RequestsPerSecond = 10
	}
	if cfg.Embedding.Burst == 0 {
		cfg.Embedding.Burst = 1
	}
	if cfg.Embedding.Parallelism == 0 {
		cfg.Embedding.Parallelism = 4
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "./data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 500
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 50
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = 10
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = 20
	}
	if cfg.Retrieval.ContextMaxTokens == 0 {
		cfg.Retrieval.ContextMaxTokens = 4000
	}
	if cfg.Ingest.PartialDocuments == "" {
		cfg.Ingest.PartialDocuments = PartialRetrievable
	}
	if cfg.Ingest.MaxAttempts == 0 {
		cfg.Ingest.MaxAttempts = 3
	}
	if cfg.Ingest.Backoff == 0 {
		cfg.Ingest.Backoff = 200 * time.Millisecond
	}
	if cfg.Ingest.MaxBackoff == 0 {
		cfg.Ingest.MaxBackoff = 5 * time.Second
	}
	if cfg.Pipeline.OutputDir == "" {
		cfg.Pipeline.OutputDir = "./reports"
	}
	if cfg.Pipeline.SearchCacheDir == "" {
		cfg.Pipeline.SearchCacheDir = "./search_cache"
	}
	if cfg.Pipeline.DocumentsDir == "" {
		cfg.Pipeline.DocumentsDir = "./company_info"
	}
	if cfg.Pipeline.DocumentExtensions == nil {
		cfg.Pipeline.DocumentExtensions = []string{".txt", ".md", ".csv", ".json", ".pdf", ".docx", ".xlsx"}
	}
	if len(cfg.Pipeline.Sections) == 0 {
		cfg.Pipeline.Sections = append([]string(nil), DefaultSections...)
	}
	if cfg.Pipeline.CollectorParallelism == 0 {
		cfg.Pipeline.CollectorParallelism = 2
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = cfg.Pipeline.DocumentExtensions
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 400 * time.Millisecond
	}
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
