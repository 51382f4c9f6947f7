package models

import (
	"fmt"
	"sort"
)

// Source tags used by the collectors.
const (
	SourceSearchResult = "search_result"
	SourceCompetitors  = "competitors"
	SourceFinancial    = "financial"
	SourceCompanyInfo  = "company_info"
	SourceShareholder  = "shareholder"
	SourceFile         = "file"
)

// RequiredMetadata lists the metadata keys each source tag must carry.
var RequiredMetadata = map[string][]string{
	SourceSearchResult: {"url"},
	SourceCompetitors:  {"company"},
	SourceFinancial:    {"company", "statement_type"},
	SourceCompanyInfo:  {"company", "code", "market"},
	SourceShareholder:  {"company"},
	SourceFile:         {"path"},
}

// ValidateMetadata checks that md carries the keys required for source.
// Unknown sources have no requirements.
func ValidateMetadata(source string, md map[string]interface{}) error {
	var missing []string
	for _, key := range RequiredMetadata[source] {
		v, ok := md[key]
		if !ok || v == nil || v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: source %q missing metadata %v", ErrInvalidDocument, source, missing)
}

// MetadataString returns md[key] formatted as a string, or "" when absent.
func MetadataString(md map[string]interface{}, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
