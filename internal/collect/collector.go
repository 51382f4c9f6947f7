// Package collect gathers source documents for an identity from local inputs.
package collect

import (
	"context"
	"strings"

	"github.com/hyperjump/kenkyu/internal/models"
)

// Collector produces documents for an identity. A collector may return documents
// together with an error describing the inputs it could not read; the documents
// it did produce are still valid.
type Collector interface {
	Name() string
	Collect(ctx context.Context, id models.Identity) ([]*models.Document, error)
}

// tag stamps the identity onto a document's metadata without overwriting existing keys.
func tag(doc *models.Document, id models.Identity) {
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	set := func(k, v string) {
		if v == "" {
			return
		}
		if cur, ok := doc.Metadata[k]; !ok || cur == "" {
			doc.Metadata[k] = v
		}
	}
	set("company", id.Company)
	set("code", id.Code)
	set("market", id.Market)
}

// extensionAllowed reports whether ext is in allowed, ignoring case and the leading dot.
// An empty allowed list permits everything.
func extensionAllowed(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
