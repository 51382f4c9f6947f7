package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// extractPlain returns content as a string, replacing invalid UTF-8 with U+FFFD.
func extractPlain(content []byte) (string, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "\ufffd"))
	}
	return string(content), nil
}

// extractCSV renders each record as one line with cells separated by " | ".
func extractCSV(content []byte) (string, error) {
	text, _ := extractPlain(content)
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse CSV: %w", err)
	}
	var b strings.Builder
	for _, rec := range records {
		writeRow(&b, rec)
	}
	return b.String(), nil
}

// extractJSON flattens a JSON document into "path: value" lines.
func extractJSON(content []byte) (string, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("parse JSON: %w", err)
	}
	var b strings.Builder
	flattenJSON(&b, "", v)
	return b.String(), nil
}

func flattenJSON(b *strings.Builder, prefix string, v interface{}) {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenJSON(b, joinPath(prefix, k), x[k])
		}
	case []interface{}:
		for i, item := range x {
			flattenJSON(b, joinPath(prefix, fmt.Sprint(i)), item)
		}
	case nil:
	default:
		s := strings.TrimSpace(fmt.Sprint(x))
		if s == "" {
			return
		}
		if prefix != "" {
			b.WriteString(prefix)
			b.WriteString(": ")
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// writeRow writes non-empty cells joined by " | "; rows with no content are skipped.
func writeRow(b *strings.Builder, cells []string) {
	var kept []string
	for _, c := range cells {
		if c = strings.TrimSpace(c); c != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return
	}
	b.WriteString(strings.Join(kept, " | "))
	b.WriteByte('\n')
}
