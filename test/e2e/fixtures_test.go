package e2e

import (
	"strings"
	"testing"

	"github.com/hyperjump/kenkyu/internal/extract"
)

func TestMinimalFile_AllExtensionsExtractable(t *testing.T) {
	e := extract.NewExtractor(0)
	sample := "Acme margins & guidance"
	for _, ext := range FileExtensions {
		t.Run(ext, func(t *testing.T) {
			if !extract.Supported(ext) {
				t.Fatalf("%s is not supported by the extractor", ext)
			}
			content, err := MinimalFile(ext, sample)
			if err != nil {
				t.Fatalf("MinimalFile: %v", err)
			}
			got, err := e.ExtractBytes(content, ext)
			if err != nil {
				t.Fatalf("ExtractBytes: %v", err)
			}
			if !strings.Contains(got, sample) {
				t.Errorf("extracted text %q does not contain %q", got, sample)
			}
		})
	}
}
