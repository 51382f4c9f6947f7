// Package main is the kenkyu CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/kenkyu/internal/cli"
	"github.com/hyperjump/kenkyu/internal/collect"
	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/extract"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/pipeline"
	"github.com/hyperjump/kenkyu/internal/search"
	"github.com/hyperjump/kenkyu/internal/server"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/internal/watcher"
	"github.com/hyperjump/kenkyu/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kenkyu/config.yaml"

// Exit codes. A partial stage still produced its artifact but reported failures.
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory takes precedence; when neither exists the built-in defaults are used
// with relative paths resolved against the current directory.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		fallback := filepath.Join(cwd, "config.yaml")
		if _, statErr := os.Stat(fallback); statErr == nil {
			cfg, loadErr := config.Load(fallback)
			if loadErr != nil {
				return nil, "", loadErr
			}
			return cfg, fallback, nil
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg, err := config.Default(cwd)
			return cfg, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFailed)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "collect", "generate", "run":
		os.Exit(runStage(command, args))
	case "convert":
		os.Exit(runConvert(args))
	case "import":
		os.Exit(runImport(args))
	case "retrieve":
		runRetrieve(args)
	case "status":
		runStatus(args)
	case "export":
		runExport(args)
	case "watch":
		runWatch(args)
	case "server":
		runServer(args)
	case "init":
		os.Exit(runInit(args))
	case "version", "--version", "-v":
		fmt.Printf("kenkyu version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(exitFailed)
	}
}

// commonFlags are shared by every command that opens the store.
type commonFlags struct {
	config  *string
	debug   *bool
	output  *string
	company *string
	code    *string
	market  *string
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, &commonFlags{
		config:  fs.String("config", defaultConfigPath, "config file path"),
		debug:   fs.Bool("debug", false, "enable debug logging"),
		output:  fs.String("output", "text", "output format: text or json"),
		company: fs.String("company", "", "company name (overrides pipeline.identity.company)"),
		code:    fs.String("code", "", "stock code (overrides pipeline.identity.code)"),
		market:  fs.String("market", "", "market (overrides pipeline.identity.market)"),
	}
}

// identity merges identity flags over the configured identity.
func (f *commonFlags) identity(base models.Identity) models.Identity {
	return mergeIdentity(base, *f.company, *f.code, *f.market)
}

func mergeIdentity(base models.Identity, company, code, market string) models.Identity {
	if company = strings.TrimSpace(company); company != "" {
		base.Company = company
	}
	if code = strings.TrimSpace(code); code != "" {
		base.Code = code
	}
	if market = strings.TrimSpace(market); market != "" {
		base.Market = market
	}
	return base
}

// setup loads config and creates the logger; on failure it exits.
func (f *commonFlags) setup() (*config.Config, *zap.Logger, cli.OutputFormat) {
	format, err := cli.ParseFormat(*f.output)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}
	cfg, resolved, err := loadConfig(*f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitFailed)
	}
	logger, err := utils.NewLogger(cfg.Debug || *f.debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(exitFailed)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved))
	return cfg, logger, format
}

func fatal(logger *zap.Logger, msg string, err error) {
	_ = logger.Sync()
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(exitFailed)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runStage(stage string, args []string) int {
	fs, flags := newFlagSet(stage)
	_ = fs.Parse(args)
	cfg, logger, format := flags.setup()
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to initialize", err)
	}
	defer components.Close()

	orch := components.Orchestrator(cfg, logger)
	id := flags.identity(cfg.Pipeline.Identity)
	var results []*pipeline.StageResult
	switch stage {
	case pipeline.StageCollect:
		results = []*pipeline.StageResult{orch.Collect(ctx, id)}
	case pipeline.StageGenerate:
		results = []*pipeline.StageResult{orch.Generate(ctx, id)}
	default:
		results = orch.RunAll(ctx, id)
	}
	return finishStages(results, format)
}

func runConvert(args []string) int {
	fs, flags := newFlagSet("convert")
	file := fs.String("file", "", "markdown report to convert (default: latest report in pipeline.output_dir)")
	_ = fs.Parse(args)
	cfg, logger, format := flags.setup()
	defer logger.Sync()

	// Conversion needs no store; the orchestrator only uses its converter here.
	orch := pipeline.NewOrchestrator(nil, nil, nil, nil, cfg.Pipeline, pipeline.WithLogger(logger))
	return finishStages([]*pipeline.StageResult{orch.Convert(context.Background(), *file)}, format)
}

func finishStages(results []*pipeline.StageResult, format cli.OutputFormat) int {
	if err := cli.WriteStageResults(os.Stdout, results, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		return exitFailed
	}
	return exitCode(results)
}

// exitCode is exitFailed if any stage failed, exitPartial if any was partial.
func exitCode(results []*pipeline.StageResult) int {
	code := exitOK
	for _, r := range results {
		switch r.Status {
		case pipeline.StatusFailed:
			return exitFailed
		case pipeline.StatusPartial:
			code = exitPartial
		}
	}
	return code
}

func runImport(args []string) int {
	fs, flags := newFlagSet("import")
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() < 1 {
		fmt.Println("Usage: kenkyu import [flags] <documents.json|documents.jsonl|file-or-directory>")
		return exitFailed
	}
	cfg, logger, format := flags.setup()
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to initialize", err)
	}
	defer components.Close()

	id := flags.identity(cfg.Pipeline.Identity)
	var docs []*models.Document
	var collectErrs error
	for _, path := range fs.Args() {
		var c collect.Collector
		info, err := os.Stat(path)
		switch {
		case err != nil:
			fatal(logger, "Import failed", err)
		case info.IsDir():
			c = collect.NewDirectoryCollector(path, cfg.Pipeline.DocumentExtensions, extract.NewExtractor(0),
				cfg.Pipeline.CollectorParallelism, logger)
		case isDocumentsFile(path):
			c = collect.NewFileCollector(path)
		default:
			// A single extractable file is collected relative to its own directory.
			d, err := collect.NewDirectoryCollector(filepath.Dir(path), nil, nil, 1, logger).CollectFile(id, path)
			if err != nil {
				collectErrs = errors.Join(collectErrs, err)
			} else if d != nil {
				docs = append(docs, d)
			}
			continue
		}
		got, err := c.Collect(ctx, id)
		if err != nil {
			if models.IsFatal(err) {
				fatal(logger, "Import failed", err)
			}
			collectErrs = errors.Join(collectErrs, err)
		}
		docs = append(docs, got...)
	}
	if collectErrs != nil {
		logger.Warn("some files could not be collected", zap.Error(collectErrs))
	}

	report, err := components.Indexer.IngestBatch(ctx, docs)
	var partial *indexer.PartialIngestionError
	if err != nil && !errors.As(err, &partial) {
		fatal(logger, "Import failed", err)
	}
	if werr := cli.WriteBatchReport(os.Stdout, report, format); werr != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", werr)
		return exitFailed
	}
	if partial != nil || collectErrs != nil {
		return exitPartial
	}
	return exitOK
}

// isDocumentsFile reports whether path holds pre-built documents rather than a source file.
func isDocumentsFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".jsonl" || ext == ".ndjson" {
		return true
	}
	return ext == ".json" && strings.HasSuffix(strings.ToLower(strings.TrimSuffix(filepath.Base(path), ext)), "documents")
}

// printRetrieveUsage prints retrieve subcommand usage.
func printRetrieveUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kenkyu retrieve [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  kenkyu retrieve Acme revenue growth
  kenkyu retrieve --top-k 10 --company Acme "gross margin trend"
  kenkyu retrieve --search-term "Acme risks" --output json supply chain
  kenkyu retrieve --server http://localhost:8080 competitors
`)
}

// buildQuery joins all positional args with spaces so multi-word queries work the
// same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves flags that appear after positional arguments to the front so that
// flag.Parse sees them: "kenkyu retrieve revenue --top-k 3" would otherwise leave
// --top-k unparsed.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildFilter turns retrieve flags into a store filter; nil when no flag is set.
func buildFilter(searchTerm, source, docID, company string) *models.Filter {
	f := &models.Filter{SearchTerm: searchTerm, Source: source, DocID: docID}
	if company != "" {
		f.Metadata = map[string]string{"company": company}
	}
	if f.IsEmpty() {
		return nil
	}
	return f
}

func runRetrieve(args []string) {
	fs, flags := newFlagSet("retrieve")
	topK := fs.Int("top-k", 0, "number of results (default: retrieval.default_top_k)")
	searchTerm := fs.String("search-term", "", "only chunks collected under this search term")
	source := fs.String("source", "", "only chunks with this source tag")
	docID := fs.String("doc-id", "", "only chunks of this document")
	serverURL := fs.String("server", "", "server URL (empty = open the store directly)")
	fs.Usage = func() { printRetrieveUsage(fs) }
	_ = fs.Parse(reorderArgs(args))

	query := buildQuery(fs.Args())
	if query == "" {
		printRetrieveUsage(fs)
		os.Exit(exitFailed)
	}
	filter := buildFilter(*searchTerm, *source, *docID, *flags.company)

	if *serverURL != "" {
		format, err := cli.ParseFormat(*flags.output)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailed)
		}
		var k *int
		if *topK > 0 {
			k = topK
		}
		out, err := retrieveViaHTTP(*serverURL, query, k, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Retrieve failed: %v\n", err)
			os.Exit(exitFailed)
		}
		if err := cli.WriteResults(os.Stdout, out, format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(exitFailed)
		}
		return
	}

	cfg, logger, format := flags.setup()
	defer logger.Sync()
	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to initialize", err)
	}
	defer components.Close()

	k := *topK
	if k <= 0 {
		k = components.Retriever.DefaultTopK()
	}
	start := time.Now()
	results, err := components.Retriever.Retrieve(ctx, query, k, filter)
	if err != nil {
		fatal(logger, "Retrieve failed", err)
	}
	out := &cli.RetrieveOutput{Query: query, TopK: k, TookMS: time.Since(start).Milliseconds(), Results: results}
	if err := cli.WriteResults(os.Stdout, out, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(exitFailed)
	}
}

// httpRetrieveResponse mirrors the server's /api/v1/retrieve response.
type httpRetrieveResponse struct {
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
	TookMS  int64  `json:"took_ms"`
	Results []struct {
		Rank       int                    `json:"rank"`
		Score      float64                `json:"score"`
		DocID      string                 `json:"doc_id"`
		ChunkID    int                    `json:"chunk_id"`
		Title      string                 `json:"title"`
		URL        string                 `json:"url"`
		Source     string                 `json:"source"`
		SearchTerm string                 `json:"search_term"`
		Content    string                 `json:"content"`
		Metadata   map[string]interface{} `json:"metadata"`
	} `json:"results"`
}

func retrieveViaHTTP(serverURL, query string, topK *int, filter *models.Filter) (*cli.RetrieveOutput, error) {
	body, err := json.Marshal(map[string]interface{}{"query": query, "top_k": topK, "filter": filter})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(strings.TrimRight(serverURL, "/")+"/api/v1/retrieve", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var r httpRetrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := &cli.RetrieveOutput{Query: r.Query, TopK: r.TopK, TookMS: r.TookMS}
	for _, res := range r.Results {
		out.Results = append(out.Results, &models.ScoredChunk{
			Rank:  res.Rank,
			Score: res.Score,
			Chunk: &models.Chunk{
				DocID:      res.DocID,
				ChunkID:    res.ChunkID,
				Title:      res.Title,
				URL:        res.URL,
				Source:     res.Source,
				SearchTerm: res.SearchTerm,
				Content:    res.Content,
				Metadata:   res.Metadata,
			},
		})
	}
	return out, nil
}

func runStatus(args []string) {
	fs, flags := newFlagSet("status")
	terms := fs.Int("terms", 10, "number of top search terms to list (0 = none)")
	_ = fs.Parse(args)
	cfg, logger, format := flags.setup()
	defer logger.Sync()

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to open store", err)
	}
	defer store.Close()
	stats, err := store.Stats(ctx)
	if err != nil {
		fatal(logger, "Stats failed", err)
	}
	var records []*models.SearchTermRecord
	if *terms > 0 {
		if records, err = store.SearchTerms(ctx, *terms); err != nil {
			fatal(logger, "Search terms failed", err)
		}
	}
	if err := cli.WriteStats(os.Stdout, stats, records, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(exitFailed)
	}
	if format != cli.OutputText {
		return
	}
	if cfg.Database.Driver == "sqlite" {
		if n, err := storage.DatabaseSize(cfg.Database.SQLitePath); err == nil {
			fmt.Printf("Disk usage:   %d bytes (%s)\n", n, cfg.Database.SQLitePath)
		}
	}
	if n, err := storage.DirSize(cfg.Pipeline.OutputDir); err == nil && n > 0 {
		fmt.Printf("Reports:      %d bytes (%s)\n", n, cfg.Pipeline.OutputDir)
	}
}

func runExport(args []string) {
	fs, flags := newFlagSet("export")
	out := fs.String("out", "", "output file (default: stdout)")
	_ = fs.Parse(args)
	cfg, logger, _ := flags.setup()
	defer logger.Sync()

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to open store", err)
	}
	defer store.Close()

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fatal(logger, "Export failed", err)
		}
		defer f.Close()
		w = f
	}
	if err := store.Export(ctx, w); err != nil {
		fatal(logger, "Export failed", err)
	}
	if *out != "" {
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *out)
	}
}

func runWatch(args []string) {
	fs, flags := newFlagSet("watch")
	var dirs stringList
	fs.Var(&dirs, "dir", "directory to watch (repeatable; default: watch.directories)")
	noSync := fs.Bool("no-sync", false, "do not ingest files already present at startup")
	_ = fs.Parse(args)
	cfg, logger, _ := flags.setup()
	defer logger.Sync()
	if len(dirs) > 0 {
		cfg.Watch.Directories = dirs
	}
	if len(cfg.Watch.Directories) == 0 {
		fmt.Println("Usage: kenkyu watch [--dir <path>]... (or set watch.directories in the config)")
		os.Exit(exitFailed)
	}

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to initialize", err)
	}
	defer components.Close()

	w, err := startInbox(ctx, cfg, components, flags.identity(cfg.Pipeline.Identity), logger, !*noSync)
	if err != nil {
		fatal(logger, "Failed to start watcher", err)
	}
	<-ctx.Done()
	logger.Info("Shutting down...")
	w.Stop()
}

// startInbox starts a watcher that ingests files dropped into the watch directories.
func startInbox(ctx context.Context, cfg *config.Config, c *Components, id models.Identity, logger *zap.Logger, syncExisting bool) (*watcher.Watcher, error) {
	root := ""
	if len(cfg.Watch.Directories) == 1 {
		root = cfg.Watch.Directories[0]
	}
	coll := collect.NewDirectoryCollector(root, cfg.Watch.Extensions, extract.NewExtractor(0), 1, logger)
	inbox := watcher.NewInbox(coll, c.Indexer, id, logger)
	w := watcher.NewWatcher(cfg.Watch, inbox.Handle, watcher.WithLogger(logger), watcher.WithFilter(coll.Accepts))
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	if syncExisting {
		w.SyncExistingFiles()
	}
	return w, nil
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runServer(args []string) {
	fs, flags := newFlagSet("server")
	watch := fs.Bool("watch", false, "also ingest files dropped into watch.directories")
	_ = fs.Parse(args)
	cfg, logger, _ := flags.setup()
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to initialize components", err)
	}
	defer components.Close()

	if *watch && len(cfg.Watch.Directories) > 0 {
		w, err := startInbox(ctx, cfg, components, flags.identity(cfg.Pipeline.Identity), logger, true)
		if err != nil {
			fatal(logger, "Failed to start watcher", err)
		}
		defer w.Stop()
	}

	srv := server.NewServer(components.Retriever, components.Indexer, components.Store, cfg, logger)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// Components holds initialized services.
type Components struct {
	Store     storage.Store
	Embedder  embedding.Embedder
	Indexer   *indexer.Indexer
	Retriever *search.Retriever
}

// Close releases the store and the embedder.
func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

// Orchestrator builds the pipeline over the components.
func (c *Components) Orchestrator(cfg *config.Config, logger *zap.Logger) *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(c.Store, c.Indexer, c.Retriever, pipeline.DefaultCollectors(cfg, logger),
		cfg.Pipeline, pipeline.WithLogger(logger))
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	emb, err := embedding.New(&cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	var embedder embedding.Embedder = emb
	if cfg.Embedding.CacheSize > 0 {
		embedder = embedding.Cached(emb, cfg.Embedding.CacheSize)
	}

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	idx, err := indexer.NewIndexer(store, embedder, cfg.Chunking,
		append(indexer.FromConfig(cfg), indexer.WithLogger(logger))...)
	if err != nil {
		_ = store.Close()
		_ = embedder.Close()
		return nil, err
	}
	retriever := search.NewRetriever(store, embedder, cfg.Retrieval,
		search.WithLogger(logger), search.WithRetryPolicy(indexer.RetryPolicy(cfg.Ingest)))

	logger.Info("components initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)
	return &Components{Store: store, Embedder: embedder, Indexer: idx, Retriever: retriever}, nil
}

// writeStarterConfig writes the default configuration, with relative paths and the given
// identity, to path. An existing file is only replaced when force is set.
func writeStarterConfig(path string, id models.Identity, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Pipeline.Identity = mergeIdentity(cfg.Pipeline.Identity, id.Company, id.Code, id.Market)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return config.Save(path, cfg)
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	out := fs.String("out", "config.yaml", "where to write the config")
	force := fs.Bool("force", false, "overwrite an existing file")
	company := fs.String("company", "", "company name")
	code := fs.String("code", "", "stock code")
	market := fs.String("market", "", "market")
	_ = fs.Parse(args)

	id := models.Identity{Company: *company, Code: *code, Market: *market}
	if err := writeStarterConfig(*out, id, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Init failed: %v\n", err)
		return exitFailed
	}
	fmt.Printf("Wrote %s\n", *out)
	return exitOK
}

func printUsage() {
	fmt.Println(`kenkyu - Equity research collection, retrieval, and report pipeline

Usage:
  kenkyu collect [flags]            Collect and ingest sources for the company
  kenkyu generate [flags]           Write the markdown report from stored context
  kenkyu convert [flags]            Render the latest (or --file) report to HTML
  kenkyu run [flags]                Run collect, generate, and convert
  kenkyu import [flags] <path>...   Ingest documents files, source files, or directories
  kenkyu retrieve [flags] <query>   Retrieve the most similar chunks
  kenkyu status [flags]             Show store statistics
  kenkyu export [flags]             Export stored chunks as JSON
  kenkyu watch [flags]              Ingest files dropped into inbox directories
  kenkyu server [flags]             Start the HTTP API
  kenkyu init [flags]               Write a starter config.yaml
  kenkyu version                    Show version
  kenkyu help                       Show this help

Common Flags:
  --config string    Config file path (default: ./config.yaml, then /usr/local/etc/kenkyu/config.yaml)
  --debug            Enable debug logging
  --output string    Output format: text or json (default: text)
  --company, --code, --market string
                     Research identity (default: pipeline.identity)

Retrieve Flags:
  --top-k int          Number of results (default: retrieval.default_top_k)
  --search-term, --source, --doc-id string
                       Restrict results
  --server string      Use a running server instead of opening the store

Other Flags:
  convert --file string    Markdown report to convert
  status --terms int       Top search terms to list (default: 10)
  export --out string      Output file (default: stdout)
  watch --dir string       Directory to watch (repeatable)
  watch --no-sync          Skip files already present at startup
  server --watch           Also run the inbox watcher
  init --out string        Config file to write (default: config.yaml)
  init --force             Overwrite an existing config

Exit status is 0 on success, 2 when a stage or import completed with failures,
and 1 when it failed.

Examples:
  kenkyu run --company Acme --code ACME --market NASDAQ
  kenkyu retrieve --company Acme "revenue growth drivers"
  kenkyu import search_results.documents.json ./filings
  kenkyu status --output json
  kenkyu watch --dir ~/research/inbox`)
}
