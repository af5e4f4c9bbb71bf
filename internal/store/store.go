// Package store is marginalia's persistent layer: one SQLite database
// file holding documents, chunk embeddings, and configuration, behind
// a priority-aware admission policy that keeps interactive search
// responsive while background ingestion runs concurrently.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no CGO

	"github.com/wgilpin/marginalia/internal/apperrors"
	"github.com/wgilpin/marginalia/internal/model"
)

// slowOperationThreshold is the wall-clock duration above which a store
// operation is logged for diagnostic visibility.
const slowOperationThreshold = 100 * time.Millisecond

// batchYieldEvery is how many rows a batch insert processes before
// yielding the scheduler, keeping interactive readers responsive during
// large imports.
const batchYieldEvery = 10

// Store is the SQLite-backed persistent store.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	gate   *priorityGate
	logger *slog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithReaderWidth overrides the reader gate width (default 10).
func WithReaderWidth(width int) Option {
	return func(s *Store) {
		if width > 0 {
			s.gate.reader = newGate(width)
		}
	}
}

// Open opens (creating if absent) the SQLite database file at path and
// ensures the schema exists. Pass ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "create database directory", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "open database", err)
	}

	// Single connection: all access is mediated by the priority gates,
	// never by the driver's own pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "set pragma: "+p, err)
		}
	}

	s := &Store{
		db:     db,
		path:   path,
		gate:   newPriorityGate(10),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	url TEXT,
	source TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	is_dead BOOLEAN NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_url ON documents(url) WHERE url IS NOT NULL;

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	title, content, content='documents', content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
END;

CREATE TABLE IF NOT EXISTS chunk_embeddings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id INTEGER NOT NULL REFERENCES documents(id),
	chunk_index INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	vector_blob BLOB
);

CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_doc_id ON chunk_embeddings(doc_id);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return apperrors.StorageError(apperrors.StorageSubKindCorruption, "initialize schema", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the filesystem path the store was opened with.
func (s *Store) Path() string { return s.path }

// withPriority runs fn under the admission policy for prio, serializing
// access to the single connection and logging operations that exceed
// slowOperationThreshold.
func withPriority[T any](ctx context.Context, s *Store, prio Priority, fn func(*sql.DB) (T, error)) (T, error) {
	var zero T

	release, err := s.gate.admit(ctx, prio)
	if err != nil {
		return zero, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result, err := fn(s.db)
	elapsed := time.Since(start)

	if elapsed > slowOperationThreshold {
		s.logger.Warn("slow store operation",
			slog.Duration("elapsed", elapsed),
			slog.String("priority", prio.String()))
	}

	return result, err
}

// InsertDocument inserts a new document row and returns its id.
func (s *Store) InsertDocument(ctx context.Context, title, content, url, source string, isDead bool, prio Priority) (int64, error) {
	return withPriority(ctx, s, prio, func(db *sql.DB) (int64, error) {
		var urlArg any
		if url != "" {
			urlArg = url
		}
		res, err := db.ExecContext(ctx,
			`INSERT INTO documents (title, content, url, source, is_dead) VALUES (?, ?, ?, ?, ?)`,
			title, content, urlArg, source, isDead)
		if err != nil {
			return 0, apperrors.StorageError(classifyErr(err), "insert document", err)
		}
		return res.LastInsertId()
	})
}

// DocumentRow is one row of a batch insert, mirroring InsertDocument's
// arguments.
type DocumentRow struct {
	Title   string
	Content string
	URL     string
	Source  string
	IsDead  bool
}

// BatchInsertDocuments inserts all rows in a single transaction,
// yielding every batchYieldEvery rows to keep readers responsive.
func (s *Store) BatchInsertDocuments(ctx context.Context, rows []DocumentRow) ([]int64, error) {
	return withPriority(ctx, s, BackgroundIngest, func(db *sql.DB) ([]int64, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "begin transaction", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO documents (title, content, url, source, is_dead) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "prepare batch insert", err)
		}
		defer stmt.Close()

		ids := make([]int64, 0, len(rows))
		for i, row := range rows {
			var urlArg any
			if row.URL != "" {
				urlArg = row.URL
			}
			res, err := stmt.ExecContext(ctx, row.Title, row.Content, urlArg, row.Source, row.IsDead)
			if err != nil {
				return nil, apperrors.StorageError(classifyErr(err), "batch insert document", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "read last insert id", err)
			}
			ids = append(ids, id)

			if (i+1)%batchYieldEvery == 0 {
				goYield()
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "commit batch insert", err)
		}
		return ids, nil
	})
}

// InsertChunkEmbedding inserts a chunk row and returns its id. vector
// may be nil when the chunk is pending (re-)embedding.
func (s *Store) InsertChunkEmbedding(ctx context.Context, docID int64, chunkIndex, start, end int, vector []float32, prio Priority) (int64, error) {
	return withPriority(ctx, s, prio, func(db *sql.DB) (int64, error) {
		res, err := db.ExecContext(ctx,
			`INSERT INTO chunk_embeddings (doc_id, chunk_index, start_offset, end_offset, vector_blob) VALUES (?, ?, ?, ?, ?)`,
			docID, chunkIndex, start, end, encodeVector(vector))
		if err != nil {
			return 0, apperrors.StorageError(classifyErr(err), "insert chunk embedding", err)
		}
		return res.LastInsertId()
	})
}

// UpdateChunkEmbedding overwrites the stored vector for an existing
// chunk row, used by the re-embed administrative pass.
func (s *Store) UpdateChunkEmbedding(ctx context.Context, id int64, vector []float32, prio Priority) error {
	_, err := withPriority(ctx, s, prio, func(db *sql.DB) (struct{}, error) {
		_, err := db.ExecContext(ctx,
			`UPDATE chunk_embeddings SET vector_blob = ? WHERE id = ?`,
			encodeVector(vector), id)
		if err != nil {
			return struct{}{}, apperrors.StorageError(classifyErr(err), "update chunk embedding", err)
		}
		return struct{}{}, nil
	})
	return err
}

// GetDocument fetches a document by id, returning (nil, nil) if absent.
func (s *Store) GetDocument(ctx context.Context, id int64, prio Priority) (*model.Document, error) {
	return withPriority(ctx, s, prio, func(db *sql.DB) (*model.Document, error) {
		return scanDocument(db.QueryRowContext(ctx,
			`SELECT id, title, content, url, source, created_at, is_dead FROM documents WHERE id = ?`, id))
	})
}

func scanDocument(row *sql.Row) (*model.Document, error) {
	var (
		doc       model.Document
		url       sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &url, &doc.Source, &createdAt, &doc.IsDead)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "scan document", err)
	}
	doc.URL = url.String
	doc.CreatedAt = createdAt
	return &doc, nil
}

// maxFullTextHits caps the number of rows SearchDocuments returns,
// mirroring the vector search path's maxHits cap.
const maxFullTextHits = 10

// SearchDocuments runs a keyword match against the documents_fts index,
// restricted to non-dead documents, ranked by SQLite's bm25-derived
// rank (best match first).
func (s *Store) SearchDocuments(ctx context.Context, query string, prio Priority) ([]model.FullTextHit, error) {
	return withPriority(ctx, s, prio, func(db *sql.DB) ([]model.FullTextHit, error) {
		rows, err := db.QueryContext(ctx, `
			SELECT d.id, d.title, snippet(documents_fts, 1, '', '', '...', 10)
			FROM documents_fts
			JOIN documents d ON d.id = documents_fts.rowid
			WHERE documents_fts MATCH ? AND d.is_dead = 0
			ORDER BY rank
			LIMIT ?`, query, maxFullTextHits)
		if err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "full text search", err)
		}
		defer rows.Close()

		var hits []model.FullTextHit
		for rows.Next() {
			var h model.FullTextHit
			if err := rows.Scan(&h.DocID, &h.Title, &h.Snippet); err != nil {
				return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "scan full text hit", err)
			}
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "iterate full text hits", err)
		}
		return hits, nil
	})
}

// GetChunkEmbeddingsForDocument returns every chunk row belonging to
// docID, ordered by chunk index.
func (s *Store) GetChunkEmbeddingsForDocument(ctx context.Context, docID int64) ([]model.Chunk, error) {
	return withPriority(ctx, s, UserSearch, func(db *sql.DB) ([]model.Chunk, error) {
		rows, err := db.QueryContext(ctx,
			`SELECT id, doc_id, chunk_index, start_offset, end_offset, vector_blob FROM chunk_embeddings
			 WHERE doc_id = ? ORDER BY chunk_index`, docID)
		if err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "query document chunks", err)
		}
		defer rows.Close()
		return scanChunks(rows)
	})
}

// GetAllChunkEmbeddings loads every chunk row, used to populate the
// vector index at startup.
func (s *Store) GetAllChunkEmbeddings(ctx context.Context) ([]model.Chunk, error) {
	return withPriority(ctx, s, BackgroundIngest, func(db *sql.DB) ([]model.Chunk, error) {
		rows, err := db.QueryContext(ctx,
			`SELECT id, doc_id, chunk_index, start_offset, end_offset, vector_blob FROM chunk_embeddings
			 WHERE vector_blob IS NOT NULL`)
		if err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "query all chunks", err)
		}
		defer rows.Close()
		return scanChunks(rows)
	})
}

func scanChunks(rows *sql.Rows) ([]model.Chunk, error) {
	var out []model.Chunk
	for rows.Next() {
		var (
			c    model.Chunk
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.DocID, &c.ChunkIndex, &c.Start, &c.End, &blob); err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "scan chunk", err)
		}
		c.Vector = decodeVector(blob)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "iterate chunks", err)
	}
	return out, nil
}

// URLExists reports whether a document with the given url is already
// stored, the check ingest uses to reject duplicate URLs.
func (s *Store) URLExists(ctx context.Context, url string, prio Priority) (bool, error) {
	return withPriority(ctx, s, prio, func(db *sql.DB) (bool, error) {
		var count int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE url = ?`, url).Scan(&count)
		if err != nil {
			return false, apperrors.StorageError(apperrors.StorageSubKindIO, "check url existence", err)
		}
		return count > 0, nil
	})
}

// CountDocuments returns the total number of documents stored.
func (s *Store) CountDocuments(ctx context.Context, prio Priority) (int64, error) {
	return withPriority(ctx, s, prio, func(db *sql.DB) (int64, error) {
		var count int64
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
		if err != nil {
			return 0, apperrors.StorageError(apperrors.StorageSubKindIO, "count documents", err)
		}
		return count, nil
	})
}

// SetEmbeddingModel records the model name used to produce the
// currently stored vectors.
func (s *Store) SetEmbeddingModel(ctx context.Context, name string) error {
	return s.setConfig(ctx, "embedding_model", name)
}

// SetEmbeddingURL records the embedding service URL used to produce the
// currently stored vectors.
func (s *Store) SetEmbeddingURL(ctx context.Context, url string) error {
	return s.setConfig(ctx, "embedding_url", url)
}

// EmbeddingConfig returns the recorded embedding model name and service
// URL, empty strings if never set.
func (s *Store) EmbeddingConfig(ctx context.Context) (modelName, url string, err error) {
	modelName, err = s.getConfig(ctx, "embedding_model")
	if err != nil {
		return "", "", err
	}
	url, err = s.getConfig(ctx, "embedding_url")
	if err != nil {
		return "", "", err
	}
	return modelName, url, nil
}

func (s *Store) setConfig(ctx context.Context, key, value string) error {
	_, err := withPriority(ctx, s, BackgroundIngest, func(db *sql.DB) (struct{}, error) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		if err != nil {
			return struct{}{}, apperrors.StorageError(classifyErr(err), "set config "+key, err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) getConfig(ctx context.Context, key string) (string, error) {
	return withPriority(ctx, s, UserSearch, func(db *sql.DB) (string, error) {
		var value string
		err := db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", apperrors.StorageError(apperrors.StorageSubKindIO, "get config "+key, err)
		}
		return value, nil
	})
}

// DeleteAllEmbeddings clears every chunk row, the first step of the
// administrative re-chunk operation.
func (s *Store) DeleteAllEmbeddings(ctx context.Context) error {
	_, err := withPriority(ctx, s, BackgroundIngest, func(db *sql.DB) (struct{}, error) {
		_, err := db.ExecContext(ctx, `DELETE FROM chunk_embeddings`)
		if err != nil {
			return struct{}{}, apperrors.StorageError(apperrors.StorageSubKindIO, "delete all embeddings", err)
		}
		return struct{}{}, nil
	})
	return err
}

// MarkURLAsDead flips is_dead on the document matching url.
func (s *Store) MarkURLAsDead(ctx context.Context, url string) error {
	_, err := withPriority(ctx, s, BackgroundIngest, func(db *sql.DB) (struct{}, error) {
		_, err := db.ExecContext(ctx, `UPDATE documents SET is_dead = 1 WHERE url = ?`, url)
		if err != nil {
			return struct{}{}, apperrors.StorageError(apperrors.StorageSubKindIO, "mark url dead", err)
		}
		return struct{}{}, nil
	})
	return err
}

// LiveDocumentsWithURLs returns every non-dead document that has a URL,
// used by the dead-link probe.
func (s *Store) LiveDocumentsWithURLs(ctx context.Context) ([]model.Document, error) {
	return withPriority(ctx, s, BackgroundIngest, func(db *sql.DB) ([]model.Document, error) {
		rows, err := db.QueryContext(ctx,
			`SELECT id, title, content, url, source, created_at, is_dead FROM documents
			 WHERE url IS NOT NULL AND is_dead = 0`)
		if err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "query live documents", err)
		}
		defer rows.Close()

		var docs []model.Document
		for rows.Next() {
			var (
				doc       model.Document
				url       sql.NullString
				createdAt time.Time
			)
			if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &url, &doc.Source, &createdAt, &doc.IsDead); err != nil {
				return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "scan live document", err)
			}
			doc.URL = url.String
			doc.CreatedAt = createdAt
			docs = append(docs, doc)
		}
		return docs, rows.Err()
	})
}

// LiveDocuments returns every non-dead document regardless of whether
// it has a URL, used by the re-chunk administrative pass to cover the
// full corpus.
func (s *Store) LiveDocuments(ctx context.Context) ([]model.Document, error) {
	return withPriority(ctx, s, BackgroundIngest, func(db *sql.DB) ([]model.Document, error) {
		rows, err := db.QueryContext(ctx,
			`SELECT id, title, content, url, source, created_at, is_dead FROM documents
			 WHERE is_dead = 0`)
		if err != nil {
			return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "query live documents", err)
		}
		defer rows.Close()

		var docs []model.Document
		for rows.Next() {
			var (
				doc       model.Document
				url       sql.NullString
				createdAt time.Time
			)
			if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &url, &doc.Source, &createdAt, &doc.IsDead); err != nil {
				return nil, apperrors.StorageError(apperrors.StorageSubKindIO, "scan live document", err)
			}
			doc.URL = url.String
			doc.CreatedAt = createdAt
			docs = append(docs, doc)
		}
		return docs, rows.Err()
	})
}

func classifyErr(err error) apperrors.StorageSubKind {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "FOREIGN KEY constraint") {
		return apperrors.StorageSubKindConstraint
	}
	return apperrors.StorageSubKindIO
}

// encodeVector serializes a vector as a 4-byte little-endian element
// count followed by that many 4-byte IEEE-754 floats, length-prefixed
// the way the original Rust store's bincode-encoded Vec<f32> blobs are.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(buf, uint32(len(v)))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)/4) < count {
		count = uint32(len(buf) / 4)
	}
	v := make([]float32, count)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// goYield cooperatively yields the scheduler during long batch
// operations so interactive readers stay responsive.
func goYield() { runtime.Gosched() }
