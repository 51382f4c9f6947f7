package collect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hyperjump/kenkyu/internal/docid"
	"github.com/hyperjump/kenkyu/internal/extract"
	"github.com/hyperjump/kenkyu/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DirectoryCollector extracts text from the files under a directory.
type DirectoryCollector struct {
	dir         string
	extensions  []string
	extractor   *extract.Extractor
	parallelism int
	logger      *zap.Logger
}

// NewDirectoryCollector creates a collector for files under dir whose extension is in
// extensions (every supported type when empty).
func NewDirectoryCollector(dir string, extensions []string, extractor *extract.Extractor, parallelism int, logger *zap.Logger) *DirectoryCollector {
	if extractor == nil {
		extractor = extract.NewExtractor(0)
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryCollector{dir: dir, extensions: extensions, extractor: extractor, parallelism: parallelism, logger: logger}
}

// Name implements Collector.
func (c *DirectoryCollector) Name() string { return "documents" }

// Collect walks the directory recursively and extracts every accepted file. A missing
// directory yields no documents. Files that fail to extract are reported in the error.
func (c *DirectoryCollector) Collect(ctx context.Context, id models.Identity) ([]*models.Document, error) {
	info, err := os.Stat(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", c.dir)
	}
	var paths []string
	err = filepath.WalkDir(c.dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != c.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if c.Accepts(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", c.dir, err)
	}

	docs := make([]*models.Document, len(paths))
	errs := make([]error, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			docs[i], errs[i] = c.CollectFile(id, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := docs[:0]
	for i, d := range docs {
		if errs[i] != nil {
			c.logger.Warn("skipping document", zap.String("path", paths[i]), zap.Error(errs[i]))
			continue
		}
		if d != nil {
			out = append(out, d)
		}
	}
	c.logger.Debug("directory collected", zap.String("dir", c.dir), zap.Int("documents", len(out)))
	return out, errors.Join(errs...)
}

// Accepts reports whether path has an allowed, supported extension and is not hidden.
func (c *DirectoryCollector) Accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	ext := filepath.Ext(base)
	return extract.Supported(ext) && extensionAllowed(ext, c.extensions)
}

// CollectFile extracts a single file. Files with no text yield a nil document.
func (c *DirectoryCollector) CollectFile(id models.Identity, path string) (*models.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file: %s", models.ErrInvalidDocument, abs)
	}
	text, err := c.extractor.Extract(abs)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(abs), err)
	}
	if text == "" {
		return nil, nil
	}
	rel, err := filepath.Rel(c.dir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(abs)
	}
	doc := &models.Document{
		DocID:      docid.FileDocID(models.SourceFile, id.Company, filepath.ToSlash(rel), text),
		Title:      filepath.Base(abs),
		URL:        "file://" + filepath.ToSlash(abs),
		Source:     models.SourceFile,
		SearchTerm: strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		Content:    text,
		Metadata: map[string]interface{}{
			"path": abs,
			// Stored as strings: UnixNano exceeds float64 precision after a JSON round trip.
			"source_mtime": strconv.FormatInt(info.ModTime().UnixNano(), 10),
			"source_size":  strconv.FormatInt(info.Size(), 10),
		},
	}
	tag(doc, id)
	return doc, nil
}
