package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kenkyu/internal/collect"
	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/report"
	"github.com/hyperjump/kenkyu/internal/search"
	"github.com/hyperjump/kenkyu/internal/storage"
)

const testDims = 32

var acme = models.Identity{Company: "Acme", Code: "ACME", Market: "NASDAQ"}

type fixture struct {
	dir   string
	cfg   config.PipelineConfig
	store *storage.SQLiteStorage
	orch  *Orchestrator
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, extra ...collect.Collector) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.PipelineConfig{
		OutputDir:            filepath.Join(dir, "reports"),
		SearchCacheDir:       filepath.Join(dir, "search_cache"),
		DocumentsDir:         filepath.Join(dir, "company_info"),
		Sections:             []string{"Financial Analysis", "Risks"},
		CollectorParallelism: 2,
	}
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "kenkyu.db"), storage.Options{Dimensions: testDims})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	emb := embedding.NewHashEmbedder(testDims)
	idx, err := indexer.NewIndexer(store, emb, config.ChunkingConfig{Size: 200, Overlap: 20})
	if err != nil {
		t.Fatal(err)
	}
	retriever := search.NewRetriever(store, emb, config.RetrievalConfig{DefaultTopK: 3, MaxTopK: 10, ContextMaxTokens: 4000})
	collectors := []collect.Collector{
		collect.NewSearchCacheCollector(cfg.SearchCacheDir, nil),
		collect.NewDirectoryCollector(cfg.DocumentsDir, nil, nil, 1, nil),
	}
	collectors = append(collectors, extra...)
	clock := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	orch := NewOrchestrator(store, idx, retriever, collectors, cfg, WithClock(func() time.Time { return clock }))
	return &fixture{dir: dir, cfg: cfg, store: store, orch: orch}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	writeFile(t, filepath.Join(f.cfg.SearchCacheDir, "acme_financials.json"), `{
		"search_keywords": "Acme financial results",
		"results": [
			{"title": "Acme revenue rises", "description": "Acme financial analysis shows revenue growth", "url": "https://news.example/1"},
			{"title": "Acme risks", "description": "Supply chain risks weigh on Acme", "url": "https://news.example/2"}
		]}`)
	writeFile(t, filepath.Join(f.cfg.DocumentsDir, "profile.md"), "Acme designs anvils. ![logo](logo.png)")
}

func TestCollect_succeedsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	res := f.orch.Collect(ctx, acme)
	if res.Status != StatusSucceeded || res.Err != nil {
		t.Fatalf("collect = %s, %v", res.Status, res.Err)
	}
	if res.RunID == "" || res.Report.Ingested != 3 {
		t.Errorf("unexpected result: %+v", res.Report)
	}
	n, err := f.store.Count(ctx, companyFilter(acme))
	if err != nil || n == 0 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	again := f.orch.Collect(ctx, acme)
	if again.Status != StatusSucceeded || again.Report.Skipped != 3 || again.Report.ChunksInserted != 0 {
		t.Errorf("second collect should skip everything: %+v", again.Report)
	}
	if again.RunID == res.RunID {
		t.Error("each stage invocation gets its own run id")
	}
}

func TestCollect_partial(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	writeFile(t, filepath.Join(f.cfg.SearchCacheDir, "broken.json"), "{")
	res := f.orch.Collect(context.Background(), acme)
	if res.Status != StatusPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if len(res.Failures) != 1 || res.Failures[0].Title != "search_cache" {
		t.Errorf("failures = %+v", res.Failures)
	}
	if res.Report.Ingested != 3 {
		t.Errorf("good documents should still be ingested: %+v", res.Report)
	}
}

type fatalCollector struct{}

func (fatalCollector) Name() string { return "fatal" }
func (fatalCollector) Collect(context.Context, models.Identity) ([]*models.Document, error) {
	return nil, models.ErrSchema
}

func TestCollect_fatal(t *testing.T) {
	f := newFixture(t, fatalCollector{})
	res := f.orch.Collect(context.Background(), acme)
	if !res.Failed() || !errors.Is(res.Err, models.ErrSchema) {
		t.Errorf("collect = %s, %v; want failed with ErrSchema", res.Status, res.Err)
	}
}

func TestGenerate_requiresCollection(t *testing.T) {
	f := newFixture(t)
	res := f.orch.Generate(context.Background(), acme)
	if !res.Failed() || !errors.Is(res.Err, models.ErrNotCollected) {
		t.Errorf("generate = %s, %v; want ErrNotCollected", res.Status, res.Err)
	}
	if entries, _ := os.ReadDir(f.cfg.OutputDir); len(entries) != 0 {
		t.Error("no report should be written")
	}
}

func TestGenerate_otherCompanyNotCollected(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.orch.Collect(context.Background(), acme)
	res := f.orch.Generate(context.Background(), models.Identity{Company: "Globex"})
	if !errors.Is(res.Err, models.ErrNotCollected) {
		t.Errorf("expected ErrNotCollected for an uncollected company, got %v", res.Err)
	}
}

func TestCollect_sharedInputsServeEachCompany(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	beta := models.Identity{Company: "Beta", Code: "BETA", Market: "NYSE"}

	if res := f.orch.Collect(ctx, acme); res.Status != StatusSucceeded {
		t.Fatalf("collect acme = %s, %v", res.Status, res.Err)
	}
	res := f.orch.Collect(ctx, beta)
	if res.Status != StatusSucceeded || res.Report.Ingested != 3 || res.Report.Skipped != 0 {
		t.Fatalf("collect beta = %s %+v, want 3 ingested", res.Status, res.Report)
	}

	for _, id := range []models.Identity{acme, beta} {
		n, err := f.store.Count(ctx, companyFilter(id))
		if err != nil || n == 0 {
			t.Errorf("%s: Count = %d, %v", id.Company, n, err)
		}
		gen := f.orch.Generate(ctx, id)
		if gen.Status != StatusSucceeded {
			t.Errorf("generate %s = %s, %v", id.Company, gen.Status, gen.Err)
		}
	}

	again := f.orch.Collect(ctx, beta)
	if again.Report.Skipped != 3 || again.Report.ChunksInserted != 0 {
		t.Errorf("recollecting beta should skip everything: %+v", again.Report)
	}
}

func TestGenerate_writesReport(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	f.orch.Collect(ctx, acme)

	res := f.orch.Generate(ctx, acme)
	if res.Status != StatusSucceeded {
		t.Fatalf("generate = %s, %v", res.Status, res.Err)
	}
	want := filepath.Join(f.cfg.OutputDir, "Acme_research_report_20261018_093000.md")
	if res.Artifact != want {
		t.Errorf("artifact = %s, want %s", res.Artifact, want)
	}
	b, err := os.ReadFile(res.Artifact)
	if err != nil {
		t.Fatal(err)
	}
	md := string(b)
	for _, s := range []string{"# Acme Research Report", "## Financial Analysis", "## Risks", "## Sources", "https://news.example/1"} {
		if !strings.Contains(md, s) {
			t.Errorf("report missing %q", s)
		}
	}
}

type recordingWriter struct{ requests []report.SectionRequest }

func (w *recordingWriter) WriteSection(_ context.Context, req report.SectionRequest) (string, error) {
	w.requests = append(w.requests, req)
	return "written by model", nil
}

func TestGenerate_customWriter(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	w := &recordingWriter{}
	WithWriter(w)(f.orch)
	ctx := context.Background()
	f.orch.Collect(ctx, acme)
	res := f.orch.Generate(ctx, acme)
	if res.Failed() {
		t.Fatal(res.Err)
	}
	if len(w.requests) != 2 || w.requests[0].Section != "Financial Analysis" {
		t.Fatalf("requests = %+v", w.requests)
	}
	if w.requests[0].Context == search.NoContext || len(w.requests[0].Evidence) == 0 {
		t.Error("writer should receive retrieved context")
	}
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	results := f.orch.RunAll(context.Background(), acme)
	if len(results) != 3 {
		t.Fatalf("got %d stage results", len(results))
	}
	for _, r := range results {
		if r.Failed() {
			t.Fatalf("%s failed: %v", r.Stage, r.Err)
		}
		if r.RunID != results[0].RunID {
			t.Error("stages of one run share the run id")
		}
	}
	if results[2].Stage != StageConvert || !strings.HasSuffix(results[2].Artifact, ".html") {
		t.Errorf("convert result = %+v", results[2])
	}
	if _, err := os.Stat(results[2].Artifact); err != nil {
		t.Error(err)
	}
}

func TestRunAll_stopsAfterFailedStage(t *testing.T) {
	f := newFixture(t)
	results := f.orch.RunAll(context.Background(), acme)
	if len(results) != 2 || !results[1].Failed() || results[1].Stage != StageGenerate {
		t.Fatalf("results = %+v", results)
	}
}

func TestConvert_noReport(t *testing.T) {
	f := newFixture(t)
	if res := f.orch.Convert(context.Background(), ""); !res.Failed() {
		t.Error("convert without any report should fail")
	}
}
