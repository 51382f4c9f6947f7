package search

import (
	"strings"
	"unicode"
)

// Highlight returns a preview of content at most maxLen runes long (plus ellipses), centred
// on the first occurrence of any query term. Without a match the preview starts at the
// beginning. maxLen <= 0 returns content unchanged.
func Highlight(content, query string, maxLen int) string {
	runes := []rune(content)
	if maxLen <= 0 || len(runes) <= maxLen {
		return content
	}
	lower := []rune(strings.ToLower(content))
	at := -1
	if len(lower) == len(runes) {
		for _, term := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		}) {
			if i := runeIndex(lower, []rune(term)); i >= 0 && (at < 0 || i < at) {
				at = i
			}
		}
	}
	start := 0
	if at > 0 {
		start = max(0, at-maxLen/3)
	}
	end := min(len(runes), start+maxLen)
	start = max(0, end-maxLen)

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(strings.TrimSpace(string(runes[start:end])))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
