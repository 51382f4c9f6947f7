package watcher

import (
	"context"
	"errors"

	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"go.uber.org/zap"
)

// FileCollector turns one file into a document; a nil document means the file had no text.
type FileCollector interface {
	CollectFile(id models.Identity, path string) (*models.Document, error)
}

// Ingester persists documents.
type Ingester interface {
	IngestBatch(ctx context.Context, docs []*models.Document) (*indexer.BatchReport, error)
}

// Inbox ingests files dropped into a watched directory under a fixed research identity.
type Inbox struct {
	collector FileCollector
	ingester  Ingester
	identity  models.Identity
	logger    *zap.Logger
}

// NewInbox creates an inbox handler.
func NewInbox(collector FileCollector, ingester Ingester, id models.Identity, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{collector: collector, ingester: ingester, identity: id, logger: logger}
}

// Handle extracts and ingests path. Failures are logged; the watcher keeps running.
func (in *Inbox) Handle(ctx context.Context, path string) {
	if _, err := in.Ingest(ctx, path); err != nil {
		in.logger.Warn("inbox file not ingested", zap.String("path", path), zap.Error(err))
	}
}

// Ingest extracts path and stores it. Unchanged files are skipped by the indexer.
func (in *Inbox) Ingest(ctx context.Context, path string) (*indexer.BatchReport, error) {
	doc, err := in.collector.CollectFile(in.identity, path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		in.logger.Debug("inbox file has no text", zap.String("path", path))
		return &indexer.BatchReport{}, nil
	}
	report, err := in.ingester.IngestBatch(ctx, []*models.Document{doc})
	var partial *indexer.PartialIngestionError
	if errors.As(err, &partial) && len(partial.Failures) > 0 {
		err = partial.Failures[0].Err
	}
	if err != nil {
		return report, err
	}
	in.logger.Info("inbox file ingested",
		zap.String("path", path),
		zap.String("doc_id", doc.DocID),
		zap.Int("chunks_inserted", report.ChunksInserted),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}
