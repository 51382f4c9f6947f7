package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/models"
)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	metadataEq: func(keyPH, valuePH string) string {
		return fmt.Sprintf("metadata->>%s = %s", keyPH, valuePH)
	},
	metadataKey: func(key string) string { return key },
}

// PostgresStore implements Store on PostgreSQL with the pgvector extension. Search
// uses an HNSW index over cosine distance.
type PostgresStore struct {
	pool Pool
	opts Options
}

// NewPostgresStore connects to url with a bounded pool and bootstraps the schema.
func NewPostgresStore(ctx context.Context, url string, opts Options) (*PostgresStore, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	poolCfg, err := newPoolConfig(url, opts)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := withTimeout(ctx, opts.Pool.AcquireTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, classifyPostgres(err)
	}
	s := newPostgresStore(pool, opts)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	opts.Logger.Info("postgres store ready",
		zap.String("table", opts.Table),
		zap.Int("dimensions", opts.Dimensions),
		zap.Int("max_conns", opts.Pool.MaxConns))
	return s, nil
}

func newPoolConfig(url string, opts Options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid database url: %v", models.ErrConfig, err)
	}
	cfg.MaxConns = int32(opts.Pool.MaxConns)
	cfg.MinConns = int32(opts.Pool.MinConns)
	cfg.MaxConnLifetime = time.Hour
	cfg.ConnConfig.ConnectTimeout = opts.Pool.AcquireTimeout
	// The vector type only exists once the extension is created, so registration
	// failures are tolerated here and the text codec is used instead.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	return cfg, nil
}

// newPostgresStore wraps an existing pool; opts must already be normalized.
func newPostgresStore(pool Pool, opts Options) *PostgresStore {
	return &PostgresStore{pool: pool, opts: opts}
}

// Migrate creates the extension, table, indexes and stats view if missing and
// verifies the embedding column has the configured dimension.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	t := s.opts.Table
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			chunk_key TEXT NOT NULL UNIQUE,
			doc_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			chunk_total INTEGER NOT NULL DEFAULT 1,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'search_result',
			search_term TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, t, s.opts.Dimensions),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: bootstrap %s: %v", models.ErrSchema, t, err)
		}
	}

	var colType string
	err := s.pool.QueryRow(ctx,
		"SELECT format_type(atttypid, atttypmod) FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'", t,
	).Scan(&colType)
	if err != nil {
		return fmt.Errorf("%w: inspect embedding column: %v", models.ErrSchema, err)
	}
	if want := fmt.Sprintf("vector(%d)", s.opts.Dimensions); colType != want {
		return fmt.Errorf("%w: %s.embedding is %s, configured %s", models.ErrSchema, t, colType, want)
	}

	stmts = []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_doc_id ON %[1]s (doc_id)", t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_search_term ON %[1]s (search_term)", t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at)", t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_metadata ON %[1]s USING gin (metadata)", t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding ON %[1]s USING hnsw (embedding vector_cosine_ops)", t),
		fmt.Sprintf(`CREATE OR REPLACE VIEW %[1]s_stats AS
			SELECT COUNT(*) AS total_chunks,
				COUNT(DISTINCT doc_id) AS total_documents,
				COUNT(DISTINCT NULLIF(search_term, '')) AS unique_search_terms,
				MAX(created_at) AS last_updated
			FROM %[1]s`, t),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: bootstrap %s: %v", models.ErrSchema, t, err)
		}
	}
	return nil
}

// Dimensions returns the embedding dimension.
func (s *PostgresStore) Dimensions() int {
	return s.opts.Dimensions
}

// Exists reports whether every chunk of docID is stored.
func (s *PostgresStore) Exists(ctx context.Context, docID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	var n, total int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*), COALESCE(MAX(chunk_total), 0) FROM %s WHERE doc_id = $1", s.opts.Table), docID,
	).Scan(&n, &total)
	if err != nil {
		return false, classifyPostgres(err)
	}
	return n > 0 && n >= total, nil
}

// ExistingChunks returns the stored chunk ordinals of docID.
func (s *PostgresStore) ExistingChunks(ctx context.Context, docID string) (map[int]bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT chunk_id FROM %s WHERE doc_id = $1", s.opts.Table), docID)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()
	present := make(map[int]bool)
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, classifyPostgres(err)
		}
		present[int(id)] = true
	}
	return present, classifyPostgres(rows.Err())
}

// Upsert inserts chunk unless its key exists. The unique constraint on chunk_key
// arbitrates concurrent writers.
func (s *PostgresStore) Upsert(ctx context.Context, chunk *models.Chunk) (bool, error) {
	if err := validateChunk(chunk, s.opts.Dimensions); err != nil {
		return false, err
	}
	md, err := marshalMetadata(chunk.Metadata)
	if err != nil {
		return false, err
	}
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()

	total := chunk.ChunkTotal
	if total <= 0 {
		total = chunk.ChunkID + 1
	}
	source := chunk.Source
	if source == "" {
		source = models.SourceSearchResult
	}
	var id int64
	var created time.Time
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (chunk_key, doc_id, chunk_id, chunk_total, title, url, source, search_term, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chunk_key) DO NOTHING
		RETURNING id, created_at`, s.opts.Table),
		chunk.Key(), chunk.DocID, chunk.ChunkID, total, chunk.Title, chunk.URL, source, chunk.SearchTerm,
		chunk.Content, pgvector.NewVector(chunk.Embedding), md,
	).Scan(&id, &created)
	if err == nil {
		chunk.ID, chunk.CreatedAt, chunk.UpdatedAt = id, created, created
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, classifyPostgres(err)
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET updated_at = now() WHERE chunk_key = $1 AND content = $2", s.opts.Table),
		chunk.Key(), chunk.Content)
	if err != nil {
		return false, classifyPostgres(err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("%w: %s already stored with different content", models.ErrConflict, chunk.Key())
	}
	s.opts.Logger.Debug("postgres chunk already stored", zap.String("chunk_key", chunk.Key()))
	return false, nil
}

const postgresColumns = "id, doc_id, chunk_id, chunk_total, title, url, source, search_term, content, metadata, created_at, updated_at"

func scanPostgresChunk(row pgx.Row, extra ...any) (*models.Chunk, error) {
	var c models.Chunk
	var chunkID, chunkTotal int32
	var md []byte
	dest := append([]any{&c.ID, &c.DocID, &chunkID, &chunkTotal, &c.Title, &c.URL, &c.Source,
		&c.SearchTerm, &c.Content, &md, &c.CreatedAt, &c.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, classifyPostgres(err)
	}
	c.ChunkID, c.ChunkTotal = int(chunkID), int(chunkTotal)
	var err error
	if c.Metadata, err = unmarshalMetadata(md); err != nil {
		return nil, err
	}
	return &c, nil
}

// Search orders by cosine distance (<=>) so the HNSW index is used; score is 1 - distance.
func (s *PostgresStore) Search(ctx context.Context, embedding []float32, topK int, filter *models.Filter) ([]*models.ScoredChunk, error) {
	if err := validateSearch(embedding, topK, s.opts.MaxTopK, s.opts.Dimensions); err != nil {
		return nil, err
	}
	where, args, err := whereClause(postgresDialect, s.opts.Table, filter, s.opts.HidePartial, 2)
	if err != nil {
		return nil, err
	}
	args = append([]any{pgvector.NewVector(embedding)}, args...)
	args = append(args, topK)
	query := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1) AS score FROM %s%s
		ORDER BY embedding <=> $1, created_at DESC
		LIMIT $%d`, postgresColumns, s.opts.Table, where, len(args))

	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()
	results := make([]*models.ScoredChunk, 0, topK)
	for rows.Next() {
		var score float64
		c, err := scanPostgresChunk(rows, &score)
		if err != nil {
			return nil, err
		}
		results = append(results, &models.ScoredChunk{Chunk: c, Score: score, Rank: len(results) + 1})
	}
	return results, classifyPostgres(rows.Err())
}

// Count returns the number of chunks matching filter.
func (s *PostgresStore) Count(ctx context.Context, filter *models.Filter) (int64, error) {
	where, args, err := whereClause(postgresDialect, s.opts.Table, filter, false, 1)
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	var n int64
	err = s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.opts.Table, where), args...).Scan(&n)
	return n, classifyPostgres(err)
}

// Stats reads the stats view in one statement.
func (s *PostgresStore) Stats(ctx context.Context) (*models.Stats, error) {
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	var st models.Stats
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT total_chunks, total_documents, unique_search_terms, last_updated FROM %s_stats", s.opts.Table),
	).Scan(&st.TotalChunks, &st.TotalDocuments, &st.UniqueSearchTerms, &st.LastUpdated)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	return &st, nil
}

// SearchTerms lists search terms by chunk count.
func (s *PostgresStore) SearchTerms(ctx context.Context, limit int) ([]*models.SearchTermRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT search_term, COUNT(*), MAX(created_at) FROM %s
		WHERE search_term <> ''
		GROUP BY search_term
		ORDER BY COUNT(*) DESC, search_term
		LIMIT $1`, s.opts.Table), limit)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()
	var out []*models.SearchTermRecord
	for rows.Next() {
		var r models.SearchTermRecord
		if err := rows.Scan(&r.Term, &r.Chunks, &r.LastUsed); err != nil {
			return nil, classifyPostgres(err)
		}
		out = append(out, &r)
	}
	return out, classifyPostgres(rows.Err())
}

// Export writes all chunks ordered by document and ordinal.
func (s *PostgresStore) Export(ctx context.Context, w io.Writer) error {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY doc_id, chunk_id", postgresColumns, s.opts.Table))
	if err != nil {
		return classifyPostgres(err)
	}
	defer rows.Close()
	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanPostgresChunk(rows)
		if err != nil {
			return err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return classifyPostgres(err)
	}
	return writeExport(w, chunks)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// classifyPostgres maps pgx errors onto the store error taxonomy.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		case pgErr.Code == "42P01", pgErr.Code == "42703", pgErr.Code == "42804", pgErr.Code == "22000":
			return fmt.Errorf("%w: %v", models.ErrSchema, err)
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %v", models.ErrConflict, err)
		}
	}
	return err
}
