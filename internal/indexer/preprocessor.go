package indexer

import (
	"strings"
	"unicode"
)

// Preprocess normalizes text before chunking: trims it, converts CRLF to LF,
// collapses runs of horizontal whitespace to one space, and keeps at most one blank line.
func Preprocess(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	var b strings.Builder
	spaces, newlines := 0, 0
	for _, r := range text {
		switch {
		case r == '\n':
			newlines++
			spaces = 0
		case unicode.IsSpace(r):
			spaces++
		default:
			if newlines > 0 {
				b.WriteString(strings.Repeat("\n", min(newlines, 2)))
			} else if spaces > 0 {
				b.WriteRune(' ')
			}
			spaces, newlines = 0, 0
			b.WriteRune(r)
		}
	}
	return b.String()
}
