package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/search"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/internal/vector"
)

const benchDimensions = 384

var filing = strings.Repeat("Revenue grew eleven percent year over year while operating margin held steady. "+
	"Management guided capital expenditure higher for the next fiscal year.\n\n", 40)

func BenchmarkChunker_Split(b *testing.B) {
	c, err := indexer.NewChunker(500, 50)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(filing)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Split(filing)
	}
}

func BenchmarkHashEmbedder_Embed(b *testing.B) {
	e := embedding.NewHashEmbedder(benchDimensions)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "operating margin guidance for the next fiscal year")
	}
}

func BenchmarkCosineRank(b *testing.B) {
	e := embedding.NewHashEmbedder(benchDimensions)
	ctx := context.Background()
	vecs := make([][]float32, 1000)
	for i := range vecs {
		vecs[i], _ = e.Embed(ctx, fmt.Sprintf("chunk %d revenue margin segment %d", i, i%37))
	}
	query, _ := e.Embed(ctx, "revenue margin")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cands := make([]vector.Candidate[int], len(vecs))
		for j, v := range vecs {
			cands[j] = vector.Candidate[int]{Item: j, Score: vector.CosineSimilarity(query, v)}
		}
		_ = vector.Rank(cands, 10)
	}
}

func seededStore(b *testing.B, chunks int) *storage.SQLiteStorage {
	b.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(b.TempDir(), "bench.db"), storage.Options{Dimensions: benchDimensions})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	e := embedding.NewHashEmbedder(benchDimensions)
	ctx := context.Background()
	for i := 0; i < chunks; i++ {
		content := fmt.Sprintf("Company %d reported revenue in segment %d with margin notes %d", i%20, i%37, i)
		v, err := e.Embed(ctx, content)
		if err != nil {
			b.Fatal(err)
		}
		_, err = store.Upsert(ctx, &models.Chunk{
			DocID:      fmt.Sprintf("doc-%d", i/4),
			ChunkID:    i % 4,
			ChunkTotal: 4,
			Title:      "Filing",
			URL:        fmt.Sprintf("https://example.com/%d", i/4),
			Source:     models.SourceSearchResult,
			SearchTerm: fmt.Sprintf("company %d", i%20),
			Content:    content,
			Embedding:  v,
			Metadata:   map[string]interface{}{"url": "https://example.com", "company": fmt.Sprintf("c%d", i%20)},
		})
		if err != nil {
			b.Fatal(err)
		}
	}
	return store
}

func BenchmarkSQLiteSearch(b *testing.B) {
	store := seededStore(b, 1000)
	query, _ := embedding.NewHashEmbedder(benchDimensions).Embed(context.Background(), "revenue margin")
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Search(ctx, query, 10, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSQLiteSearch_metadataFilter(b *testing.B) {
	store := seededStore(b, 1000)
	query, _ := embedding.NewHashEmbedder(benchDimensions).Embed(context.Background(), "revenue margin")
	filter := &models.Filter{Metadata: map[string]string{"company": "c3"}}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Search(ctx, query, 10, filter); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRetriever_cachedQuery(b *testing.B) {
	store := seededStore(b, 1000)
	emb := embedding.Cached(embedding.NewHashEmbedder(benchDimensions), 128)
	r := search.NewRetriever(store, emb, config.RetrievalConfig{DefaultTopK: 10, MaxTopK: 20})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.Retrieve(ctx, "revenue margin", 10, nil); err != nil {
			b.Fatal(err)
		}
	}
}
