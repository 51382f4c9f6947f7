package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/pkg/utils"
)

// NoContext is returned by BuildContext when nothing relevant was retrieved.
const NoContext = "No relevant background information."

// tokensPerRune is a rough estimate that holds for both English and CJK prose.
const tokensPerRune = 0.25

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) float64 {
	return float64(utils.RuneLen(s)) * tokensPerRune
}

// BuildContext retrieves the default top-K chunks for query and formats them in rank order
// until the next chunk would push the estimated token count past maxTokens. A non-positive
// maxTokens uses the configured budget. It returns the context and the chunks it includes.
func (r *Retriever) BuildContext(ctx context.Context, query string, filter *models.Filter, maxTokens int) (string, []*models.ScoredChunk, error) {
	if maxTokens <= 0 {
		maxTokens = r.config.ContextMaxTokens
	}
	results, err := r.Retrieve(ctx, query, r.config.DefaultTopK, filter)
	if err != nil {
		return "", nil, err
	}
	var (
		blocks []string
		used   []*models.ScoredChunk
		tokens float64
	)
	for _, res := range results {
		est := EstimateTokens(res.Chunk.Content)
		if tokens+est > float64(maxTokens) {
			break
		}
		blocks = append(blocks, formatBlock(res))
		used = append(used, res)
		tokens += est
	}
	if len(blocks) == 0 {
		return NoContext, nil, nil
	}
	return strings.Join(blocks, "\n"), used, nil
}

func formatBlock(res *models.ScoredChunk) string {
	c := res.Chunk
	return fmt.Sprintf("[Document %d] similarity: %.3f\nSource: %s\nURL: %s\nSearch term: %s\nContent:\n%s\n",
		res.Rank, res.Score, orDefault(c.Title, "untitled"), orDefault(c.URL, "none"),
		orDefault(c.SearchTerm, "unknown"), c.Content)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
