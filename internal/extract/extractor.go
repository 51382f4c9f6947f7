// Package extract turns research inbox files into plain text for ingestion.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/kenkyu/internal/models"
)

// DefaultMaxBytes caps the size of a file the extractor will read.
const DefaultMaxBytes = 64 << 20

type extractFunc func(content []byte) (string, error)

var extractors = map[string]extractFunc{
	".txt":  extractPlain,
	".md":   extractPlain,
	".rst":  extractPlain,
	".csv":  extractCSV,
	".json": extractJSON,
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".pptx": extractPPTX,
	".xlsx": extractSpreadsheet,
	".odt":  extractODF,
	".odp":  extractODF,
	".ods":  extractODF,
}

// Extractor extracts plain text from document files.
type Extractor struct {
	maxBytes int64
}

// NewExtractor returns an Extractor that refuses files larger than maxBytes;
// zero means DefaultMaxBytes.
func NewExtractor(maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Extractor{maxBytes: maxBytes}
}

// Supported reports whether ext (with or without the leading dot) has an extractor.
func Supported(ext string) bool {
	_, ok := extractors[normalizeExt(ext)]
	return ok
}

// Extensions lists every supported extension, sorted.
func Extensions() []string {
	exts := make([]string, 0, len(extractors))
	for ext := range extractors {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extract reads the file at path and returns its text content. Unsupported, oversized,
// and unparsable files fail with models.ErrInvalidDocument.
func (e *Extractor) Extract(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > e.maxBytes {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", models.ErrInvalidDocument, path, info.Size(), e.maxBytes)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content based on its extension.
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	fn, ok := extractors[normalizeExt(ext)]
	if !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", models.ErrInvalidDocument, ext)
	}
	text, err := fn(content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidDocument, err)
	}
	return strings.TrimSpace(text), nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
