package e2e

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"html"

	"github.com/xuri/excelize/v2"
)

// FileExtensions are the source file types the e2e tests build: plain text, delimited and
// structured data, OOXML and OpenDocument. PDF is not generated here.
var FileExtensions = []string{
	".txt", ".md", ".rst", ".csv", ".json",
	".docx", ".xlsx", ".pptx", ".odt", ".odp", ".ods",
}

// MinimalFile returns the bytes of a minimal file of type ext whose extracted text
// contains text.
func MinimalFile(ext, text string) ([]byte, error) {
	switch ext {
	case ".csv":
		return []byte("note\n\"" + text + "\"\n"), nil
	case ".json":
		return json.Marshal(map[string]string{"note": text})
	case ".docx":
		return zipOf(map[string]string{
			"word/document.xml": `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>` + html.EscapeString(text) + `</w:t></w:r></w:p></w:body></w:document>`,
		})
	case ".pptx":
		return zipOf(map[string]string{
			"ppt/slides/slide1.xml": `<p:sld xmlns:p="a" xmlns:a="b"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` + html.EscapeString(text) + `</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`,
		})
	case ".odt", ".odp", ".ods":
		return zipOf(map[string]string{
			"content.xml": `<office:document><office:body><text:p>` + html.EscapeString(text) + `</text:p></office:body></office:document>`,
		})
	case ".xlsx":
		f := excelize.NewFile()
		defer f.Close()
		if err := f.SetCellValue("Sheet1", "A1", text); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := f.WriteTo(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return []byte(text), nil
	}
}

func zipOf(files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		fw, err := w.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
