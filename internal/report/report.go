// Package report assembles research reports from retrieved evidence.
package report

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/search"
)

// SectionRequest is everything a writer receives for one report section.
type SectionRequest struct {
	Identity models.Identity
	Section  string
	// Context is the packed retrieval context, or search.NoContext.
	Context  string
	Evidence []*models.ScoredChunk
}

// Writer turns retrieved context into section prose. An LLM-backed writer implements
// this interface; EvidenceWriter is the deterministic default.
type Writer interface {
	WriteSection(ctx context.Context, req SectionRequest) (string, error)
}

// EvidenceWriter renders each section as a list of the evidence retrieved for it.
type EvidenceWriter struct {
	// SnippetLen caps each quoted excerpt in runes; zero means 240.
	SnippetLen int
}

// WriteSection implements Writer.
func (w EvidenceWriter) WriteSection(_ context.Context, req SectionRequest) (string, error) {
	if len(req.Evidence) == 0 {
		return "_" + search.NoContext + "_\n", nil
	}
	n := w.SnippetLen
	if n <= 0 {
		n = 240
	}
	query := req.Section + " " + req.Identity.Company
	var b strings.Builder
	for _, ev := range req.Evidence {
		c := ev.Chunk
		title := c.Title
		if title == "" {
			title = c.DocID
		}
		if c.URL != "" {
			fmt.Fprintf(&b, "- **[%s](%s)**", escape(title), c.URL)
		} else {
			fmt.Fprintf(&b, "- **%s**", escape(title))
		}
		fmt.Fprintf(&b, " (similarity %.3f)\n", ev.Score)
		snippet := strings.Join(strings.Fields(search.Highlight(c.Content, query, n)), " ")
		fmt.Fprintf(&b, "  > %s\n", snippet)
	}
	return b.String(), nil
}

var mdSpecial = strings.NewReplacer("[", `\[`, "]", `\]`, "*", `\*`)

func escape(s string) string {
	return mdSpecial.Replace(s)
}

// Section is one generated report section.
type Section struct {
	Title    string
	Body     string
	Evidence []*models.ScoredChunk
}

// Assemble renders the full markdown report: a title, the identity line, each section in
// order, and a numbered list of every distinct source URL cited.
func Assemble(id models.Identity, sections []Section, generated time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Research Report\n\n", id.Company)
	var meta []string
	if id.Code != "" {
		meta = append(meta, "Code: "+id.Code)
	}
	if id.Market != "" {
		meta = append(meta, "Market: "+id.Market)
	}
	meta = append(meta, "Generated: "+generated.Format("2006-01-02 15:04:05"))
	b.WriteString(strings.Join(meta, " | "))
	b.WriteString("\n\n")

	seen := make(map[string]bool)
	var sources []string
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n", s.Title, strings.TrimRight(s.Body, "\n"))
		b.WriteString("\n")
		for _, ev := range s.Evidence {
			if u := ev.Chunk.URL; u != "" && !seen[u] {
				seen[u] = true
				sources = append(sources, u)
			}
		}
	}
	if len(sources) > 0 {
		b.WriteString("## Sources\n\n")
		for i, u := range sources {
			fmt.Fprintf(&b, "%d. <%s>\n", i+1, u)
		}
	}
	return b.String()
}

var unsafeName = regexp.MustCompile(`[\\/:*?"<>|\s]+`)

// FilePattern matches report file names produced by FileName.
const FilePattern = "*_research_report_*.md"

// FileName returns <Company>_research_report_<YYYYMMDD_HHMMSS>.md with path-unsafe
// characters in the company name replaced by underscores.
func FileName(company string, t time.Time) string {
	name := strings.Trim(unsafeName.ReplaceAllString(company, "_"), "_")
	if name == "" {
		name = "company"
	}
	return fmt.Sprintf("%s_research_report_%s.md", name, t.Format("20060102_150405"))
}
