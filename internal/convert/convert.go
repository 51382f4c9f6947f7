// Package convert turns a generated markdown report into a standalone HTML document and
// gathers the images it references.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/report"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"go.uber.org/zap"
)

// ImagesDir is the directory, next to the report, that local images are copied into.
const ImagesDir = "images"

var imageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)

// Result lists the artifacts of a conversion.
type Result struct {
	Markdown  string `json:"markdown"`
	Processed string `json:"processed_markdown"`
	HTML      string `json:"html"`
	ImagesDir string `json:"images_dir"`
	// Images are the local images copied into ImagesDir.
	Images []string `json:"images,omitempty"`
	// Remote are image URLs left as references.
	Remote []string `json:"remote,omitempty"`
	// Missing are local image paths that did not exist; they are removed from the output.
	Missing []string `json:"missing,omitempty"`
}

// Converter renders reports found in an output directory.
type Converter struct {
	outputDir string
	md        goldmark.Markdown
	logger    *zap.Logger
}

// NewConverter creates a converter for reports under outputDir.
func NewConverter(outputDir string, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{
		outputDir: outputDir,
		md: goldmark.New(
			goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(gmhtml.WithXHTML()),
		),
		logger: logger,
	}
}

// FindLatest returns the most recently modified report in dir.
func FindLatest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, report.FilePattern))
	if err != nil {
		return "", err
	}
	var (
		latest string
		newest int64
	)
	for _, m := range matches {
		if strings.HasSuffix(m, processedSuffix+".md") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if t := info.ModTime().UnixNano(); latest == "" || t > newest {
			latest, newest = m, t
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w: no report matching %s in %s", models.ErrInvalidArgument, report.FilePattern, dir)
	}
	return latest, nil
}

const processedSuffix = "_images"

// Convert processes mdPath, or the latest report in the output directory when mdPath is
// empty. Local images are copied into images/ next to the report and their references
// rewritten; references to missing files are dropped. The rewritten markdown is saved as
// <name>_images.md and rendered to <name>.html.
func (c *Converter) Convert(ctx context.Context, mdPath string) (*Result, error) {
	if mdPath == "" {
		latest, err := FindLatest(c.outputDir)
		if err != nil {
			return nil, err
		}
		mdPath = latest
		c.logger.Info("converting latest report", zap.String("path", mdPath))
	}
	src, err := os.ReadFile(mdPath)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(mdPath, filepath.Ext(mdPath))
	res := &Result{
		Markdown:  mdPath,
		Processed: base + processedSuffix + ".md",
		HTML:      base + ".html",
		ImagesDir: filepath.Join(filepath.Dir(mdPath), ImagesDir),
	}
	processed, err := c.gatherImages(mdPath, src, res)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.Processed, processed, 0644); err != nil {
		return nil, fmt.Errorf("write processed markdown: %w", err)
	}

	var body bytes.Buffer
	if err := c.md.Convert(processed, &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	page := wrapPage(titleOf(processed, filepath.Base(base)), body.String())
	if err := os.WriteFile(res.HTML, []byte(page), 0644); err != nil {
		return nil, fmt.Errorf("write html: %w", err)
	}
	c.logger.Info("report converted",
		zap.String("html", res.HTML),
		zap.Int("images", len(res.Images)),
		zap.Int("remote", len(res.Remote)),
		zap.Int("missing", len(res.Missing)),
	)
	return res, nil
}

func (c *Converter) gatherImages(mdPath string, src []byte, res *Result) ([]byte, error) {
	matches := imageRe.FindAllSubmatch(src, -1)
	if len(matches) == 0 {
		return src, nil
	}
	used := make(map[string]bool)
	replace := make(map[string]string)
	missing := make(map[string]bool)
	for _, m := range matches {
		ref := strings.TrimSpace(string(m[1]))
		if _, done := replace[ref]; done || missing[ref] {
			continue
		}
		if isURL(ref) {
			res.Remote = append(res.Remote, ref)
			replace[ref] = ref
			continue
		}
		abs := ref
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(filepath.Dir(mdPath), ref)
		}
		if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
			c.logger.Warn("image not found", zap.String("path", abs))
			missing[ref] = true
			res.Missing = append(res.Missing, ref)
			continue
		}
		name := uniqueName(filepath.Base(abs), used)
		dst := filepath.Join(res.ImagesDir, name)
		if abs != dst {
			if err := copyFile(abs, dst); err != nil {
				return nil, fmt.Errorf("copy image %s: %w", ref, err)
			}
		}
		res.Images = append(res.Images, dst)
		replace[ref] = "./" + ImagesDir + "/" + name
	}
	return imageRe.ReplaceAllFunc(src, func(match []byte) []byte {
		ref := strings.TrimSpace(string(imageRe.FindSubmatch(match)[1]))
		if missing[ref] {
			return nil
		}
		return bytes.Replace(match, []byte(ref), []byte(replace[ref]), 1)
	}), nil
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func uniqueName(name string, used map[string]bool) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	used[candidate] = true
	return candidate
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func titleOf(md []byte, fallback string) string {
	for _, line := range strings.Split(string(md), "\n") {
		if t, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(t)
		}
	}
	return fallback
}

func wrapPage(title, body string) string {
	return `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>` + html.EscapeString(title) + `</title>
<style>
body { max-width: 52rem; margin: 2rem auto; font-family: sans-serif; line-height: 1.6; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; }
blockquote { color: #555; border-left: 3px solid #ddd; margin-left: 0; padding-left: 1rem; }
img { max-width: 100%; }
</style>
</head>
<body>
` + body + `</body>
</html>
`
}
