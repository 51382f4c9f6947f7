package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/vector"
)

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	metadataEq: func(keyPH, valuePH string) string {
		return fmt.Sprintf("CAST(json_extract(metadata, %s) AS TEXT) = %s", keyPH, valuePH)
	},
	metadataKey: func(key string) string { return `$."` + key + `"` },
}

// SQLiteStorage implements Store on a single SQLite file. Embeddings are stored as
// float32 blobs and searched by an exact cosine scan, which suits single-machine corpora.
type SQLiteStorage struct {
	db   *sql.DB
	path string
	opts Options
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string, opts Options) (*SQLiteStorage, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", dbPath, opts.Pool.AcquireTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", models.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(opts.Pool.MaxConns)
	db.SetMaxIdleConns(max(opts.Pool.MinConns, 1))

	s := &SQLiteStorage{db: db, path: dbPath, opts: opts}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	t := s.opts.Table
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chunk_key TEXT NOT NULL UNIQUE,
		doc_id TEXT NOT NULL,
		chunk_id INTEGER NOT NULL,
		chunk_total INTEGER NOT NULL DEFAULT 1,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'search_result',
		search_term TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		dimensions INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_doc_id ON %[1]s(doc_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_search_term ON %[1]s(search_term);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s(created_at);

	CREATE VIEW IF NOT EXISTS %[1]s_stats AS
	SELECT COUNT(*) AS total_chunks,
		COUNT(DISTINCT doc_id) AS total_documents,
		COUNT(DISTINCT NULLIF(search_term, '')) AS unique_search_terms,
		MAX(created_at) AS last_updated
	FROM %[1]s;
	`, t)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %v", models.ErrSchema, err)
	}
	var other int
	err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE dimensions <> ?", t), s.opts.Dimensions).Scan(&other)
	if err != nil {
		return fmt.Errorf("%w: failed to inspect stored dimensions: %v", models.ErrSchema, err)
	}
	if other > 0 {
		return fmt.Errorf("%w: %d stored chunks do not have %d dimensions", models.ErrSchema, other, s.opts.Dimensions)
	}
	return nil
}

// Dimensions returns the embedding dimension.
func (s *SQLiteStorage) Dimensions() int {
	return s.opts.Dimensions
}

// Exists reports whether every chunk of docID is stored.
func (s *SQLiteStorage) Exists(ctx context.Context, docID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	var n, total int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*), COALESCE(MAX(chunk_total), 0) FROM %s WHERE doc_id = ?", s.opts.Table), docID,
	).Scan(&n, &total)
	if err != nil {
		return false, classifySQLite(err)
	}
	return n > 0 && n >= total, nil
}

// ExistingChunks returns the stored chunk ordinals of docID.
func (s *SQLiteStorage) ExistingChunks(ctx context.Context, docID string) (map[int]bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT chunk_id FROM %s WHERE doc_id = ?", s.opts.Table), docID)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()
	present := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, classifySQLite(err)
		}
		present[id] = true
	}
	return present, classifySQLite(rows.Err())
}

// Upsert inserts chunk unless its key exists.
func (s *SQLiteStorage) Upsert(ctx context.Context, chunk *models.Chunk) (bool, error) {
	if err := validateChunk(chunk, s.opts.Dimensions); err != nil {
		return false, err
	}
	md, err := marshalMetadata(chunk.Metadata)
	if err != nil {
		return false, err
	}
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()

	now := time.Now()
	total := chunk.ChunkTotal
	if total <= 0 {
		total = chunk.ChunkID + 1
	}
	source := chunk.Source
	if source == "" {
		source = models.SourceSearchResult
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (chunk_key, doc_id, chunk_id, chunk_total, title, url, source, search_term,
			content, embedding, dimensions, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_key) DO NOTHING`, s.opts.Table),
		chunk.Key(), chunk.DocID, chunk.ChunkID, total, chunk.Title, chunk.URL, source, chunk.SearchTerm,
		chunk.Content, vector.Encode(chunk.Embedding), len(chunk.Embedding), string(md), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, classifySQLite(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		chunk.CreatedAt, chunk.UpdatedAt = now, now
		return true, nil
	}

	res, err = s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET updated_at = ? WHERE chunk_key = ? AND content = ?", s.opts.Table),
		now.UnixNano(), chunk.Key(), chunk.Content,
	)
	if err != nil {
		return false, classifySQLite(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("%w: %s already stored with different content", models.ErrConflict, chunk.Key())
	}
	s.opts.Logger.Debug("sqlite chunk already stored", zap.String("chunk_key", chunk.Key()))
	return false, nil
}

const sqliteColumns = "id, doc_id, chunk_id, chunk_total, title, url, source, search_term, content, metadata, created_at, updated_at"

func scanSQLiteChunk(scan func(...any) error, extra ...any) (*models.Chunk, error) {
	var c models.Chunk
	var md string
	var created, updated int64
	dest := append([]any{&c.ID, &c.DocID, &c.ChunkID, &c.ChunkTotal, &c.Title, &c.URL, &c.Source,
		&c.SearchTerm, &c.Content, &md, &created, &updated}, extra...)
	if err := scan(dest...); err != nil {
		return nil, classifySQLite(err)
	}
	var err error
	if c.Metadata, err = unmarshalMetadata([]byte(md)); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

// Search scans matching chunks and ranks them by cosine similarity to embedding.
func (s *SQLiteStorage) Search(ctx context.Context, embedding []float32, topK int, filter *models.Filter) ([]*models.ScoredChunk, error) {
	if err := validateSearch(embedding, topK, s.opts.MaxTopK, s.opts.Dimensions); err != nil {
		return nil, err
	}
	where, args, err := whereClause(sqliteDialect, s.opts.Table, filter, s.opts.HidePartial, 1)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, embedding FROM %s%s", sqliteColumns, s.opts.Table, where), args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var candidates []vector.Candidate[*models.Chunk]
	for rows.Next() {
		var blob []byte
		c, err := scanSQLiteChunk(rows.Scan, &blob)
		if err != nil {
			return nil, err
		}
		emb, err := vector.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s: %v", models.ErrSchema, c.Key(), err)
		}
		candidates = append(candidates, vector.Candidate[*models.Chunk]{
			Item:      c,
			Score:     vector.CosineSimilarity(embedding, emb),
			CreatedAt: c.CreatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(err)
	}

	ranked := vector.Rank(candidates, topK)
	results := make([]*models.ScoredChunk, len(ranked))
	for i, r := range ranked {
		results[i] = &models.ScoredChunk{Chunk: r.Item, Score: r.Score, Rank: i + 1}
	}
	return results, nil
}

// Count returns the number of chunks matching filter.
func (s *SQLiteStorage) Count(ctx context.Context, filter *models.Filter) (int64, error) {
	where, args, err := whereClause(sqliteDialect, s.opts.Table, filter, false, 1)
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	var n int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.opts.Table, where), args...).Scan(&n)
	return n, classifySQLite(err)
}

// Stats reads the stats view in one statement.
func (s *SQLiteStorage) Stats(ctx context.Context) (*models.Stats, error) {
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	var st models.Stats
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT total_chunks, total_documents, unique_search_terms, last_updated FROM %s_stats", s.opts.Table),
	).Scan(&st.TotalChunks, &st.TotalDocuments, &st.UniqueSearchTerms, &last)
	if err != nil {
		return nil, classifySQLite(err)
	}
	if last.Valid {
		ts := time.Unix(0, last.Int64)
		st.LastUpdated = &ts
	}
	return &st, nil
}

// SearchTerms lists search terms by chunk count.
func (s *SQLiteStorage) SearchTerms(ctx context.Context, limit int) ([]*models.SearchTermRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := withTimeout(ctx, s.opts.Pool.AcquireTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT search_term, COUNT(*), MAX(created_at) FROM %s
		WHERE search_term <> ''
		GROUP BY search_term
		ORDER BY COUNT(*) DESC, search_term
		LIMIT ?`, s.opts.Table), limit)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()
	var out []*models.SearchTermRecord
	for rows.Next() {
		var r models.SearchTermRecord
		var last int64
		if err := rows.Scan(&r.Term, &r.Chunks, &last); err != nil {
			return nil, classifySQLite(err)
		}
		r.LastUsed = time.Unix(0, last)
		out = append(out, &r)
	}
	return out, classifySQLite(rows.Err())
}

// Export writes all chunks ordered by document and ordinal.
func (s *SQLiteStorage) Export(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY doc_id, chunk_id", sqliteColumns, s.opts.Table))
	if err != nil {
		return classifySQLite(err)
	}
	defer rows.Close()
	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanSQLiteChunk(rows.Scan)
		if err != nil {
			return err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return classifySQLite(err)
	}
	return writeExport(w, chunks)
}

// SizeBytes returns the on-disk size of the database including WAL files.
func (s *SQLiteStorage) SizeBytes() (int64, error) {
	return DatabaseSize(s.path)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// classifySQLite maps driver errors onto the store error taxonomy.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrSchema, sqlite3.ErrMismatch:
			return fmt.Errorf("%w: %v", models.ErrSchema, err)
		}
		if se.Code == sqlite3.ErrError {
			// "no such table" and "no such column" surface as generic errors.
			return fmt.Errorf("%w: %v", models.ErrSchema, err)
		}
	}
	return err
}
