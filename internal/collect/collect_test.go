package collect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/kenkyu/internal/models"
)

var acme = models.Identity{Company: "Acme", Code: "ACME", Market: "NASDAQ"}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".txt", []string{".txt", ".md"}, true},
		{".TXT", []string{"txt"}, true},
		{".go", []string{".txt"}, false},
		{"", []string{".txt"}, false},
		{".pdf", nil, true},
	}
	for _, tt := range tests {
		if got := extensionAllowed(tt.ext, tt.allowed); got != tt.want {
			t.Errorf("extensionAllowed(%q, %v) = %v, want %v", tt.ext, tt.allowed, got, tt.want)
		}
	}
}

func TestSearchCacheCollector(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "acme_revenue.json"), `{
		"search_keywords": "acme revenue 2025",
		"timestamp": "2026-01-01T00:00:00",
		"results": [
			{"title": "Acme beats", "description": "Revenue up 10%", "url": "https://news.example/1", "engine": ["bing", "duckduckgo"]},
			{"title": "", "description": "", "url": "https://news.example/empty"},
			{"title": "Acme guidance", "description": "Raised outlook", "url": "https://news.example/2", "engine": "google"}
		]}`)
	writeFile(t, filepath.Join(dir, "acme_competitors.json"), `{"results": [{"title": "Rivals", "description": "Share shift", "url": "https://news.example/3"}]}`)
	writeFile(t, filepath.Join(dir, "broken.json"), `{not json`)

	docs, err := NewSearchCacheCollector(dir, nil).Collect(context.Background(), acme)
	if !errors.Is(err, models.ErrInvalidDocument) {
		t.Errorf("expected the broken file to be reported, got %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d documents, want 3", len(docs))
	}
	// Files are read in name order: acme_competitors.json first.
	if docs[0].SearchTerm != "acme competitors" {
		t.Errorf("keywords should fall back to the file name, got %q", docs[0].SearchTerm)
	}
	d := docs[1]
	if d.SearchTerm != "acme revenue 2025" || d.Content != "Title: Acme beats\nSummary: Revenue up 10%" {
		t.Errorf("unexpected document: %+v", d)
	}
	if d.Metadata["url"] != "https://news.example/1" || d.Metadata["engine"] != "bing,duckduckgo" || d.Metadata["company"] != "Acme" {
		t.Errorf("unexpected metadata: %v", d.Metadata)
	}
	if docs[2].Metadata["engine"] != "google" {
		t.Errorf("single engine string not kept: %v", docs[2].Metadata)
	}
	if !strings.HasPrefix(d.DocID, models.SourceSearchResult+"_") {
		t.Errorf("DocID = %s", d.DocID)
	}
	if err := models.ValidateMetadata(d.Source, d.Metadata); err != nil {
		t.Errorf("collected document fails validation: %v", err)
	}

	again, _ := NewSearchCacheCollector(dir, nil).Collect(context.Background(), acme)
	if again[1].DocID != d.DocID {
		t.Error("DocID must be stable across collections")
	}
	globex, _ := NewSearchCacheCollector(dir, nil).Collect(context.Background(), models.Identity{Company: "Globex"})
	if globex[1].DocID == d.DocID || globex[1].Metadata["company"] != "Globex" {
		t.Errorf("another company must get its own document: %q %v", globex[1].DocID, globex[1].Metadata)
	}
}

func TestSearchCacheCollector_missingDir(t *testing.T) {
	docs, err := NewSearchCacheCollector(filepath.Join(t.TempDir(), "none"), nil).Collect(context.Background(), acme)
	if err != nil || len(docs) != 0 {
		t.Errorf("Collect = %v, %v; want nothing", docs, err)
	}
}

func TestDirectoryCollector(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "annual.txt"), "Annual report text.")
	writeFile(t, filepath.Join(dir, "sub", "notes.md"), "# Notes\nMargins improved.")
	writeFile(t, filepath.Join(dir, "sub", "figures.csv"), "year,revenue\n2025,100\n")
	writeFile(t, filepath.Join(dir, "empty.txt"), "   ")
	writeFile(t, filepath.Join(dir, "script.sh"), "#!/bin/sh")
	writeFile(t, filepath.Join(dir, ".hidden", "secret.txt"), "hidden")
	writeFile(t, filepath.Join(dir, "bad.docx"), "not a zip")

	c := NewDirectoryCollector(dir, []string{".txt", ".md", ".docx"}, nil, 2, nil)
	docs, err := c.Collect(context.Background(), acme)
	if !errors.Is(err, models.ErrInvalidDocument) {
		t.Errorf("expected bad.docx to be reported, got %v", err)
	}
	titles := map[string]*models.Document{}
	for _, d := range docs {
		titles[d.Title] = d
	}
	if len(docs) != 2 || titles["annual.txt"] == nil || titles["notes.md"] == nil {
		t.Fatalf("got %v", titles)
	}
	d := titles["notes.md"]
	if d.Source != models.SourceFile || d.Metadata["company"] != "Acme" || d.Metadata["path"] == nil {
		t.Errorf("unexpected document: %+v", d)
	}
	if err := models.ValidateMetadata(d.Source, d.Metadata); err != nil {
		t.Errorf("collected document fails validation: %v", err)
	}
}

func TestDirectoryCollector_CollectFile_stableID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "first version")
	c := NewDirectoryCollector(dir, nil, nil, 1, nil)
	d1, err := c.CollectFile(acme, path)
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := c.CollectFile(acme, path)
	if d1.DocID != d2.DocID {
		t.Error("same file and content must give the same DocID")
	}
	other, _ := c.CollectFile(models.Identity{Company: "Globex"}, path)
	if other.DocID == d1.DocID || models.MetadataString(other.Metadata, "company") != "Globex" {
		t.Errorf("another company must get its own document: %q tagged %v", other.DocID, other.Metadata["company"])
	}
	writeFile(t, path, "second version")
	d3, _ := c.CollectFile(acme, path)
	if d3.DocID == d1.DocID {
		t.Error("changed content must give a new DocID")
	}
}

func TestReadDocuments(t *testing.T) {
	arr := `[{"title":"A","content":"alpha","url":"https://a"},{"doc_id":"custom_1","content":"beta","source":"financial","metadata":{"statement_type":"income"}}]`
	lines := "{\"title\":\"A\",\"content\":\"alpha\"}\n\n{\"title\":\"B\",\"content\":\"beta\"}\n"
	for name, input := range map[string]string{"array": arr, "lines": lines} {
		docs, err := ReadDocuments(strings.NewReader(input))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(docs) != 2 {
			t.Fatalf("%s: got %d documents", name, len(docs))
		}
	}
	if docs, err := ReadDocuments(strings.NewReader("  \n")); err != nil || docs != nil {
		t.Errorf("empty input = %v, %v", docs, err)
	}
	if _, err := ReadDocuments(strings.NewReader(`[{"title":`)); !errors.Is(err, models.ErrInvalidDocument) {
		t.Errorf("expected ErrInvalidDocument, got %v", err)
	}
}

func TestFileCollector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.json")
	writeFile(t, path, `[{"title":"A","content":"alpha","url":"https://a"},{"doc_id":"custom_1","content":"beta","source":"financial","metadata":{"statement_type":"income"}}]`)
	docs, err := NewFileCollector(path).Collect(context.Background(), acme)
	if err != nil {
		t.Fatal(err)
	}
	if docs[0].Source != models.SourceSearchResult || docs[0].Metadata["url"] != "https://a" || docs[0].DocID == "" {
		t.Errorf("defaults not applied: %+v", docs[0])
	}
	if docs[1].DocID != "custom_1" {
		t.Errorf("explicit DocID replaced: %s", docs[1].DocID)
	}
	for _, d := range docs {
		if err := models.ValidateMetadata(d.Source, d.Metadata); err != nil {
			t.Errorf("%s: %v", d.DocID, err)
		}
	}
}

func TestNormalize_companyScopesDocID(t *testing.T) {
	mk := func(md map[string]interface{}) *models.Document {
		return &models.Document{URL: "https://a", SearchTerm: "q", Content: "shared text", Metadata: md}
	}
	a, g := mk(nil), mk(nil)
	Normalize(a, 0, acme)
	Normalize(g, 0, models.Identity{Company: "Globex"})
	if a.DocID == g.DocID {
		t.Error("the same content normalized for two companies must get two DocIDs")
	}

	// A company already present in the metadata wins over the identity.
	tagged := mk(map[string]interface{}{"company": "Globex"})
	Normalize(tagged, 0, acme)
	if tagged.DocID != g.DocID || tagged.Metadata["company"] != "Globex" {
		t.Errorf("tagged document = %q %v, want %q", tagged.DocID, tagged.Metadata, g.DocID)
	}
}
