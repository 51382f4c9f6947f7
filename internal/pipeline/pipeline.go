// Package pipeline runs the research stages (collect, generate, convert) for an identity.
// Each stage reads only durable state, so stages can run in separate processes and be
// repeated after a partial failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/kenkyu/internal/collect"
	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/convert"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/report"
	"github.com/hyperjump/kenkyu/internal/search"
	"github.com/hyperjump/kenkyu/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stage names.
const (
	StageCollect  = "collect"
	StageGenerate = "generate"
	StageConvert  = "convert"
)

// Stage outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// StageResult is the user-visible outcome of one stage.
type StageResult struct {
	RunID      string                    `json:"run_id"`
	Stage      string                    `json:"stage"`
	Status     string                    `json:"status"`
	Artifact   string                    `json:"artifact,omitempty"`
	Report     *indexer.BatchReport      `json:"report,omitempty"`
	Conversion *convert.Result           `json:"conversion,omitempty"`
	Failures   []indexer.DocumentFailure `json:"failures,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Err        error                     `json:"-"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
}

// Failed reports whether the stage failed outright.
func (r *StageResult) Failed() bool {
	return r.Status == StatusFailed
}

func (r *StageResult) fail(err error) *StageResult {
	r.Status = StatusFailed
	r.Err = err
	r.Error = err.Error()
	return r
}

// Orchestrator wires the stages to the store, the ingestion coordinator, and the retriever.
type Orchestrator struct {
	store      storage.Store
	indexer    *indexer.Indexer
	retriever  *search.Retriever
	collectors []collect.Collector
	writer     report.Writer
	converter  *convert.Converter
	cfg        config.PipelineConfig
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a logger for stage events.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithWriter replaces the default evidence writer.
func WithWriter(w report.Writer) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithClock sets the time source used for report names and stage timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator that collects from collectors.
func NewOrchestrator(store storage.Store, idx *indexer.Indexer, retriever *search.Retriever, collectors []collect.Collector, cfg config.PipelineConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		indexer:    idx,
		retriever:  retriever,
		collectors: collectors,
		writer:     report.EvidenceWriter{},
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.cfg.Sections) == 0 {
		o.cfg.Sections = config.DefaultSections
	}
	o.converter = convert.NewConverter(o.cfg.OutputDir, o.logger)
	return o
}

// DefaultCollectors returns the collectors configured in cfg: the search cache and the
// documents directory.
func DefaultCollectors(cfg *config.Config, logger *zap.Logger) []collect.Collector {
	return []collect.Collector{
		collect.NewSearchCacheCollector(cfg.Pipeline.SearchCacheDir, logger),
		collect.NewDirectoryCollector(cfg.Pipeline.DocumentsDir, cfg.Pipeline.DocumentExtensions, nil,
			cfg.Pipeline.CollectorParallelism, logger),
	}
}

func (o *Orchestrator) start(runID, stage string) *StageResult {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &StageResult{RunID: runID, Stage: stage, StartedAt: o.now()}
}

func (o *Orchestrator) finish(r *StageResult) *StageResult {
	r.FinishedAt = o.now()
	fields := []zap.Field{
		zap.String("run_id", r.RunID),
		zap.String("stage", r.Stage),
		zap.String("status", r.Status),
		zap.Duration("took", r.FinishedAt.Sub(r.StartedAt)),
	}
	if r.Artifact != "" {
		fields = append(fields, zap.String("artifact", r.Artifact))
	}
	if r.Err != nil {
		o.logger.Error("stage finished", append(fields, zap.Error(r.Err))...)
	} else {
		o.logger.Info("stage finished", append(fields, zap.Int("failures", len(r.Failures)))...)
	}
	return r
}

func companyFilter(id models.Identity) *models.Filter {
	return &models.Filter{Metadata: map[string]string{"company": id.Company}}
}

func validateIdentity(id models.Identity) error {
	if strings.TrimSpace(id.Company) == "" {
		return fmt.Errorf("%w: identity has no company", models.ErrInvalidArgument)
	}
	return nil
}

// Collect runs every collector concurrently and ingests what they produce. Collector
// errors and per-document ingestion failures make the stage partial; fatal store or
// configuration errors make it fail. Re-running it only stores what is missing.
func (o *Orchestrator) Collect(ctx context.Context, id models.Identity) *StageResult {
	return o.collect(ctx, "", id)
}

func (o *Orchestrator) collect(ctx context.Context, runID string, id models.Identity) *StageResult {
	res := o.start(runID, StageCollect)
	defer o.finish(res)
	if err := validateIdentity(id); err != nil {
		return res.fail(err)
	}

	batches := make([][]*models.Document, len(o.collectors))
	collectErrs := make([]error, len(o.collectors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.CollectorParallelism, 1))
	for i, c := range o.collectors {
		i, c := i, c
		g.Go(func() error {
			docs, err := c.Collect(gctx, id)
			batches[i], collectErrs[i] = docs, err
			if err != nil && models.IsFatal(err) {
				return err
			}
			o.logger.Debug("collector finished", zap.String("collector", c.Name()), zap.Int("documents", len(docs)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res.fail(err)
	}

	var docs []*models.Document
	for i, c := range o.collectors {
		docs = append(docs, batches[i]...)
		if err := collectErrs[i]; err != nil {
			res.Failures = append(res.Failures, indexer.DocumentFailure{Title: c.Name(), Error: err.Error(), Err: err})
		}
	}

	rep, err := o.indexer.IngestBatch(ctx, docs)
	res.Report = rep
	var partial *indexer.PartialIngestionError
	switch {
	case errors.As(err, &partial):
		res.Failures = append(res.Failures, partial.Failures...)
	case err != nil:
		res.Failures = append(res.Failures, rep.Failures...)
		return res.fail(err)
	}
	if len(res.Failures) > 0 {
		res.Status = StatusPartial
	} else {
		res.Status = StatusSucceeded
	}
	return res
}

// Generate writes a report for id from what is already stored. It fails with
// models.ErrNotCollected when nothing has been collected for the company; it does not
// check how fresh the collected documents are.
func (o *Orchestrator) Generate(ctx context.Context, id models.Identity) *StageResult {
	return o.generate(ctx, "", id)
}

func (o *Orchestrator) generate(ctx context.Context, runID string, id models.Identity) *StageResult {
	res := o.start(runID, StageGenerate)
	defer o.finish(res)
	if err := validateIdentity(id); err != nil {
		return res.fail(err)
	}
	filter := companyFilter(id)
	n, err := o.store.Count(ctx, filter)
	if err != nil {
		return res.fail(fmt.Errorf("count collected documents: %w", err))
	}
	if n == 0 {
		return res.fail(fmt.Errorf("%w for %s: run collect first", models.ErrNotCollected, id.Company))
	}

	sections := make([]report.Section, 0, len(o.cfg.Sections))
	for _, title := range o.cfg.Sections {
		query := title + " " + id.Company
		text, evidence, err := o.retriever.BuildContext(ctx, query, filter, 0)
		if err != nil {
			return res.fail(fmt.Errorf("retrieve %q: %w", title, err))
		}
		body, err := o.writer.WriteSection(ctx, report.SectionRequest{
			Identity: id,
			Section:  title,
			Context:  text,
			Evidence: evidence,
		})
		if err != nil {
			return res.fail(fmt.Errorf("write section %q: %w", title, err))
		}
		sections = append(sections, report.Section{Title: title, Body: body, Evidence: evidence})
		o.logger.Debug("section written", zap.String("section", title), zap.Int("evidence", len(evidence)))
	}

	now := o.now()
	if err := os.MkdirAll(o.cfg.OutputDir, 0755); err != nil {
		return res.fail(fmt.Errorf("create output directory: %w", err))
	}
	path := filepath.Join(o.cfg.OutputDir, report.FileName(id.Company, now))
	if err := os.WriteFile(path, []byte(report.Assemble(id, sections, now)), 0644); err != nil {
		return res.fail(fmt.Errorf("write report: %w", err))
	}
	res.Artifact = path
	res.Status = StatusSucceeded
	return res
}

// Convert renders mdPath, or the most recent report in the output directory when empty.
func (o *Orchestrator) Convert(ctx context.Context, mdPath string) *StageResult {
	return o.convert(ctx, "", mdPath)
}

func (o *Orchestrator) convert(ctx context.Context, runID, mdPath string) *StageResult {
	res := o.start(runID, StageConvert)
	defer o.finish(res)
	conv, err := o.converter.Convert(ctx, mdPath)
	if err != nil {
		return res.fail(err)
	}
	res.Conversion = conv
	res.Artifact = conv.HTML
	res.Status = StatusSucceeded
	if len(conv.Missing) > 0 {
		res.Status = StatusPartial
	}
	return res
}

// RunAll runs collect, generate, and convert under one run id, stopping at the first
// failed stage. A partial collection does not stop the chain. Artifacts of completed
// stages are left in place.
func (o *Orchestrator) RunAll(ctx context.Context, id models.Identity) []*StageResult {
	runID := uuid.NewString()
	results := []*StageResult{o.collect(ctx, runID, id)}
	if results[0].Failed() {
		return results
	}
	gen := o.generate(ctx, runID, id)
	results = append(results, gen)
	if gen.Failed() {
		return results
	}
	return append(results, o.convert(ctx, runID, gen.Artifact))
}
