// Package docid derives stable document identifiers for collected documents.
package docid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
)

// hashLen is the number of hex digits kept from the content digest.
const hashLen = 16

// DocID returns the stable id of the position-th result collected from source under searchTerm
// for company. The content takes part in the digest, so an edited document gets a new id and is
// embedded again. Shared inputs collected for two companies yield two documents, each tagged
// with its own company.
func DocID(source, company, searchTerm string, position int, content string) string {
	h := sha256.New()
	h.Write([]byte(company))
	h.Write([]byte{0})
	h.Write([]byte(searchTerm))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(position)))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return source + "_" + hex.EncodeToString(h.Sum(nil))[:hashLen]
}

// FileDocID returns the id of a document read from the file at path for company.
// The path is cleaned so equivalent spellings map to the same id.
func FileDocID(source, company, path, content string) string {
	return DocID(source, company, filepath.Clean(path), 0, content)
}
