package collect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperjump/kenkyu/internal/docid"
	"github.com/hyperjump/kenkyu/internal/models"
)

// ReadDocuments decodes documents from r, accepting either a JSON array or one JSON
// object per line.
func ReadDocuments(r io.Reader) ([]*models.Document, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if first == '[' {
		var docs []*models.Document
		if err := json.NewDecoder(br).Decode(&docs); err != nil {
			return nil, fmt.Errorf("%w: decode document array: %v", models.ErrInvalidDocument, err)
		}
		return docs, nil
	}
	var docs []*models.Document
	dec := json.NewDecoder(br)
	for {
		var d models.Document
		err := dec.Decode(&d)
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return docs, fmt.Errorf("%w: decode document %d: %v", models.ErrInvalidDocument, len(docs)+1, err)
		}
		docs = append(docs, &d)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}

// Normalize fills in defaults for an externally supplied document: the source tag,
// the url metadata from URL, the identity tags, and a stable DocID derived from its company
// and position.
func Normalize(doc *models.Document, position int, id models.Identity) {
	if doc.Source == "" {
		doc.Source = models.SourceSearchResult
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	if _, ok := doc.Metadata["url"]; !ok && doc.URL != "" {
		doc.Metadata["url"] = doc.URL
	}
	if _, ok := doc.Metadata["title"]; !ok && doc.Title != "" {
		doc.Metadata["title"] = doc.Title
	}
	tag(doc, id)
	if strings.TrimSpace(doc.DocID) == "" {
		company := models.MetadataString(doc.Metadata, "company")
		doc.DocID = docid.DocID(doc.Source, company, doc.SearchTerm, position, doc.Content)
	}
}

// FileCollector reads pre-built documents from a JSON or JSON Lines file.
type FileCollector struct {
	path string
}

// NewFileCollector creates a collector over the documents file at path.
func NewFileCollector(path string) *FileCollector {
	return &FileCollector{path: path}
}

// Name implements Collector.
func (c *FileCollector) Name() string { return "import" }

// Collect implements Collector.
func (c *FileCollector) Collect(_ context.Context, id models.Identity) ([]*models.Document, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("open documents file: %w", err)
	}
	defer f.Close()
	docs, err := ReadDocuments(f)
	for i, d := range docs {
		Normalize(d, i, id)
	}
	return docs, err
}
