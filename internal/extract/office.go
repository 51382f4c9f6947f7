package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	contentTypesPath = "[Content_Types].xml"
	docxDefaultPath  = "word/document.xml"
	docxMainType     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
	odfContentPath   = "content.xml"
	pptxSlidePrefix  = "ppt/slides/slide"
	maxZipEntryBytes = 256 << 20
)

var (
	// Override elements carry PartName and ContentType in either order.
	overrideRe = regexp.MustCompile(`<Override\s[^>]*>`)
	partNameRe = regexp.MustCompile(`PartName="([^"]+)"`)

	wParagraphRe = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	wTextRe      = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	aParagraphRe = regexp.MustCompile(`(?s)<a:p>.*?</a:p>|<a:p\s[^>]*>.*?</a:p>`)
	aTextRe      = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
	// text:p and text:h hold paragraphs and headings; spans nest inside them.
	odfBlockRe = regexp.MustCompile(`(?s)<text:(p|h)(?:\s[^>]*)?>(.*?)</text:(?:p|h)>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
)

func openZip(content []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("not a zip package: %w", err)
	}
	return zr, nil
}

// readEntry returns the named entry, or nil when the package does not contain it.
func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(io.LimitReader(rc, maxZipEntryBytes))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return b, nil
	}
	return nil, nil
}

// paragraphs collects the text runs of every paragraph block, one paragraph per line.
func paragraphs(xml []byte, blockRe, runRe *regexp.Regexp) string {
	var b strings.Builder
	for _, block := range blockRe.FindAll(xml, -1) {
		var line strings.Builder
		for _, m := range runRe.FindAllSubmatch(block, -1) {
			line.Write(m[1])
		}
		if s := strings.TrimSpace(html.UnescapeString(line.String())); s != "" {
			b.WriteString(s)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// docxMainPart returns the main document part named in [Content_Types].xml.
func docxMainPart(zr *zip.Reader) string {
	ct, err := readEntry(zr, contentTypesPath)
	if err != nil || ct == nil {
		return ""
	}
	for _, o := range overrideRe.FindAll(ct, -1) {
		if !bytes.Contains(o, []byte(`ContentType="`+docxMainType+`"`)) {
			continue
		}
		if m := partNameRe.FindSubmatch(o); m != nil {
			return strings.TrimPrefix(string(m[1]), "/")
		}
	}
	return ""
}

// extractDOCX returns the paragraphs of a .docx main document. The part is located
// through [Content_Types].xml since some producers name it other than word/document.xml.
func extractDOCX(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}
	part := docxMainPart(zr)
	if part == "" {
		part = docxDefaultPath
	}
	doc, err := readEntry(zr, part)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("%s not found", part)
	}
	return paragraphs(doc, wParagraphRe, wTextRe), nil
}

// extractPPTX returns the text of each slide in slide order under a "Slide N" heading.
func extractPPTX(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}
	type slide struct {
		n    int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		num, ok := strings.CutPrefix(f.Name, pptxSlidePrefix)
		if !ok {
			continue
		}
		num, ok = strings.CutSuffix(num, ".xml")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(num); err == nil {
			slides = append(slides, slide{n: n, name: f.Name})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var b strings.Builder
	for _, s := range slides {
		xml, err := readEntry(zr, s.name)
		if err != nil {
			return "", err
		}
		text := paragraphs(xml, aParagraphRe, aTextRe)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "Slide %d\n%s\n", s.n, text)
	}
	return b.String(), nil
}

// extractODF returns the paragraphs and headings of an OpenDocument text, presentation,
// or spreadsheet package.
func extractODF(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}
	xml, err := readEntry(zr, odfContentPath)
	if err != nil {
		return "", err
	}
	if xml == nil {
		return "", fmt.Errorf("%s not found", odfContentPath)
	}
	var b strings.Builder
	for _, m := range odfBlockRe.FindAllSubmatch(xml, -1) {
		text := strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(string(m[2]), "")))
		if text != "" {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}
