// Package cli formats command output for the kenkyu binary.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/pipeline"
	"github.com/hyperjump/kenkyu/internal/search"
	"github.com/hyperjump/kenkyu/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("%w: unknown output format %q (want text or json)", models.ErrInvalidArgument, s)
}

const rule = "─────────────────────────────────────────────────────────"

// RetrieveOutput is the JSON shape of a retrieve command.
type RetrieveOutput struct {
	Query   string                `json:"query"`
	TopK    int                   `json:"top_k"`
	TookMS  int64                 `json:"took_ms"`
	Results []*models.ScoredChunk `json:"results"`
}

// WriteResults writes retrieval results to w in the given format.
func WriteResults(w io.Writer, out *RetrieveOutput, format OutputFormat) error {
	if format == OutputJSON {
		if out.Results == nil {
			out.Results = []*models.ScoredChunk{}
		}
		return writeJSON(w, out)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms (top_k %d)\n\n", len(out.Results), out.TookMS, out.TopK)
	for _, res := range out.Results {
		c := res.Chunk
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "Rank: %d | Similarity: %.4f | %s\n", res.Rank, res.Score, c.Key())
		if c.Title != "" {
			fmt.Fprintf(w, "Title: %s\n", c.Title)
		}
		if c.URL != "" {
			fmt.Fprintf(w, "URL: %s\n", c.URL)
		}
		if c.SearchTerm != "" {
			fmt.Fprintf(w, "Search term: %s\n", c.SearchTerm)
		}
		fmt.Fprintf(w, "\n%s\n\n", search.Highlight(c.Content, out.Query, 200))
	}
	return nil
}

// WriteStats writes store statistics.
func WriteStats(w io.Writer, stats *models.Stats, terms []*models.SearchTermRecord, format OutputFormat) error {
	if format == OutputJSON {
		if terms == nil {
			terms = []*models.SearchTermRecord{}
		}
		return writeJSON(w, struct {
			*models.Stats
			SearchTerms []*models.SearchTermRecord `json:"search_terms"`
		}{stats, terms})
	}
	fmt.Fprintf(w, "Chunks:       %d\n", stats.TotalChunks)
	fmt.Fprintf(w, "Documents:    %d\n", stats.TotalDocuments)
	fmt.Fprintf(w, "Search terms: %d\n", stats.UniqueSearchTerms)
	if stats.LastUpdated != nil {
		fmt.Fprintf(w, "Last updated: %s\n", stats.LastUpdated.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Last updated: never")
	}
	if len(terms) > 0 {
		fmt.Fprintln(w, "\nTop search terms:")
		for _, t := range terms {
			fmt.Fprintf(w, "  %-40s %6d chunks  %s\n", utils.Truncate(t.Term, 40), t.Chunks, t.LastUsed.Local().Format("2006-01-02 15:04"))
		}
	}
	return nil
}

// WriteBatchReport writes an ingestion summary followed by any failed documents.
func WriteBatchReport(w io.Writer, r *indexer.BatchReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "Documents: %d (ingested %d, skipped %d, failed %d)\n", r.Documents, r.Ingested, r.Skipped, r.Failed)
	fmt.Fprintf(w, "Chunks:    %d inserted, %d already stored\n", r.ChunksInserted, r.ChunksSkipped)
	writeFailures(w, r.Failures)
	return nil
}

// WriteStageResults writes pipeline stage outcomes.
func WriteStageResults(w io.Writer, results []*pipeline.StageResult, format OutputFormat) error {
	if format == OutputJSON {
		if len(results) == 1 {
			return writeJSON(w, results[0])
		}
		return writeJSON(w, results)
	}
	for _, r := range results {
		fmt.Fprintf(w, "[%s] %s (%s)\n", r.Stage, strings.ToUpper(r.Status), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		if r.Artifact != "" {
			fmt.Fprintf(w, "  artifact: %s\n", r.Artifact)
		}
		if r.Report != nil {
			fmt.Fprintf(w, "  documents: %d ingested, %d skipped, %d failed; %d chunks inserted\n",
				r.Report.Ingested, r.Report.Skipped, r.Report.Failed, r.Report.ChunksInserted)
		}
		if c := r.Conversion; c != nil {
			fmt.Fprintf(w, "  html: %s\n", c.HTML)
			fmt.Fprintf(w, "  images: %d copied, %d remote, %d missing\n", len(c.Images), len(c.Remote), len(c.Missing))
			for _, m := range c.Missing {
				fmt.Fprintf(w, "    missing: %s\n", m)
			}
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
		writeFailures(w, r.Failures)
	}
	return nil
}

func writeFailures(w io.Writer, failures []indexer.DocumentFailure) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintf(w, "Failed documents (%d):\n", len(failures))
	for _, f := range failures {
		name := f.Title
		if name == "" {
			name = f.DocID
		}
		fmt.Fprintf(w, "  - %s: %s\n", utils.Truncate(name, 60), f.Error)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
