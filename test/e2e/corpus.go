// Package e2e provides end-to-end tests over a research corpus spanning several companies.
package e2e

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kenkyu/internal/models"
)

// ResearchDocument is one collected source in the corpus.
type ResearchDocument struct {
	Company    string
	SearchTerm string
	Title      string
	URL        string
	Content    string
	// Signature is a phrase that occurs only in this document.
	Signature string
}

// QueryTestCase is a query and the document URL that must appear in its top results.
type QueryTestCase struct {
	Query       string
	Company     string
	ExpectedURL string
}

// Corpus holds documents and query test cases.
type Corpus struct {
	Documents []ResearchDocument
	TestCases []QueryTestCase
}

var companies = []models.Identity{
	{Company: "Acme", Code: "ACME", Market: "NASDAQ"},
	{Company: "Globex", Code: "GBX", Market: "NYSE"},
	{Company: "Initech", Code: "INTC", Market: "TSE"},
	{Company: "Umbrella", Code: "UMB", Market: "LSE"},
	{Company: "Hooli", Code: "HOOL", Market: "NASDAQ"},
}

var topics = []struct {
	term     string
	sentence string
}{
	{"revenue", "%s reported quarterly revenue ahead of consensus as volumes recovered."},
	{"margins", "%s gross margin expanded on pricing while input costs eased."},
	{"competitors", "%s faces price competition from regional peers in its core segment."},
	{"governance", "%s board added two independent directors after the annual meeting."},
	{"risks", "%s flagged supply chain concentration and currency exposure as key risks."},
	{"valuation", "%s trades at a discount to peers on forward earnings multiples."},
	{"shareholders", "%s largest shareholders increased their stakes during the period."},
	{"industry", "%s operates in an industry consolidating around scale players."},
}

// Identities returns the companies in the corpus.
func Identities() []models.Identity {
	return append([]models.Identity(nil), companies...)
}

// BuildCorpus returns one document per company and topic, each carrying a unique
// signature phrase, and one query per document built from that phrase.
func BuildCorpus() *Corpus {
	c := &Corpus{}
	n := 0
	for _, id := range companies {
		for _, topic := range topics {
			sig := signature(n)
			doc := ResearchDocument{
				Company:    id.Company,
				SearchTerm: fmt.Sprintf("%s %s", id.Company, topic.term),
				Title:      fmt.Sprintf("%s %s update", id.Company, topic.term),
				URL:        fmt.Sprintf("https://research.example/%s/%s", strings.ToLower(id.Company), topic.term),
				Content:    fmt.Sprintf(topic.sentence, id.Company) + " Analysts noted " + sig + " in the filing.",
				Signature:  sig,
			}
			c.Documents = append(c.Documents, doc)
			c.TestCases = append(c.TestCases, QueryTestCase{Query: sig, Company: id.Company, ExpectedURL: doc.URL})
			n++
		}
	}
	return c
}

// signature returns a three-word phrase of letters only, distinct for each n.
func signature(n int) string {
	word := func(prefix string, v int) string {
		return prefix + string(rune('a'+v/26%26)) + string(rune('a'+v%26))
	}
	return word("zq", n) + " " + word("vx", n+7) + " " + word("kj", n+13)
}

// SearchResults converts the corpus into documents shaped like collected search results.
func (c *Corpus) SearchResults() []*models.Document {
	docs := make([]*models.Document, 0, len(c.Documents))
	for _, d := range c.Documents {
		docs = append(docs, &models.Document{
			Title:      d.Title,
			URL:        d.URL,
			Source:     models.SourceSearchResult,
			SearchTerm: d.SearchTerm,
			Content:    d.Content,
			Metadata:   map[string]interface{}{"company": d.Company},
		})
	}
	return docs
}
