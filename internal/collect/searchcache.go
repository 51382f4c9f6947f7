package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/kenkyu/internal/docid"
	"github.com/hyperjump/kenkyu/internal/models"
	"go.uber.org/zap"
)

// SearchCacheCollector reads cached web search results: one JSON file per query in dir.
type SearchCacheCollector struct {
	dir    string
	logger *zap.Logger
}

// NewSearchCacheCollector creates a collector over dir.
func NewSearchCacheCollector(dir string, logger *zap.Logger) *SearchCacheCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchCacheCollector{dir: dir, logger: logger}
}

// Name implements Collector.
func (c *SearchCacheCollector) Name() string { return "search_cache" }

type searchCacheFile struct {
	SearchKeywords string              `json:"search_keywords"`
	Timestamp      string              `json:"timestamp"`
	Results        []searchCacheResult `json:"results"`
}

type searchCacheResult struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	Engine      json.RawMessage `json:"engine"`
}

// Collect returns one document per cached result, in file name then result order. A
// missing directory yields no documents. Unreadable files are reported in the error
// while the rest are still returned.
func (c *SearchCacheCollector) Collect(ctx context.Context, id models.Identity) ([]*models.Document, error) {
	files, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var (
		docs []*models.Document
		errs []error
	)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return docs, err
		}
		fileDocs, err := c.readFile(path, id)
		if err != nil {
			c.logger.Warn("skipping search cache file", zap.String("path", path), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		docs = append(docs, fileDocs...)
	}
	c.logger.Debug("search cache collected", zap.Int("files", len(files)), zap.Int("documents", len(docs)))
	return docs, errors.Join(errs...)
}

func (c *SearchCacheCollector) readFile(path string, id models.Identity) ([]*models.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f searchCacheFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", models.ErrInvalidDocument, filepath.Base(path), err)
	}
	keywords := strings.TrimSpace(f.SearchKeywords)
	if keywords == "" {
		keywords = strings.ReplaceAll(strings.TrimSuffix(filepath.Base(path), ".json"), "_", " ")
	}
	var docs []*models.Document
	for i, r := range f.Results {
		title, desc := strings.TrimSpace(r.Title), strings.TrimSpace(r.Description)
		if title == "" && desc == "" {
			continue
		}
		content := "Title: " + title + "\nSummary: " + desc
		doc := &models.Document{
			DocID:      docid.DocID(models.SourceSearchResult, id.Company, keywords, i, content),
			Title:      title,
			URL:        r.URL,
			Source:     models.SourceSearchResult,
			SearchTerm: keywords,
			Content:    content,
			Metadata: map[string]interface{}{
				"url":        r.URL,
				"title":      title,
				"cache_file": filepath.Base(path),
			},
		}
		if engines := engineNames(r.Engine); len(engines) > 0 {
			doc.Metadata["engine"] = strings.Join(engines, ",")
		}
		if f.Timestamp != "" {
			doc.Metadata["timestamp"] = f.Timestamp
		}
		tag(doc, id)
		docs = append(docs, doc)
	}
	return docs, nil
}

// engineNames accepts the engine field as either a string or a list of strings.
func engineNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	_ = json.Unmarshal(raw, &many)
	return many
}
