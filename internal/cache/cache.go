package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
)

// EmbeddingCache is the durable (content-digest, model-identity) -> vector
// store shared across every workspace. It is backed by a single SQLite
// database so concurrent workspace refreshes serialise through one
// writer connection rather than racing separate files.
type EmbeddingCache struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// validateIntegrity mirrors the corruption check the teacher's FTS5 index
// runs before opening: a database that fails PRAGMA integrity_check or is
// missing its own schema is treated as absent rather than fatal.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='cache_entries'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("cache_entries table missing")
	}
	return nil
}

// Open creates or reopens the embedding cache at path. An empty path opens
// an in-memory database, used by tests. WAL mode and a single writer
// connection match the pattern the durable FTS5 index uses for
// concurrent multi-process access.
func Open(path string) (*EmbeddingCache, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cgerrors.Wrap(cgerrors.KindInitFailed, err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			slog.Warn("embedding_cache_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, cgerrors.New(cgerrors.KindInitFailed,
					fmt.Sprintf("embedding cache corrupted at %s and cannot remove", path), removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("embedding_cache_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, will rebuild from source"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, cgerrors.Wrap(cgerrors.KindInitFailed, err)
		}
	}

	c := &EmbeddingCache{db: db, path: path}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}
	return c, nil
}

func (c *EmbeddingCache) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		uuid TEXT PRIMARY KEY,
		cache_key TEXT NOT NULL,
		path TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		vector BLOB NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		contents TEXT NOT NULL,
		language_tag TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_key_artifact ON cache_entries(cache_key, artifact_id);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_path ON cache_entries(path);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Get returns every cached entry whose (cache_key, artifact_id) matches;
// result ordering is unspecified, matching the cache's own contract.
func (c *EmbeddingCache) Get(ctx context.Context, cacheKey, artifactID string) ([]*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, cgerrors.New(cgerrors.KindInitFailed, "embedding cache is closed", nil)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT uuid, cache_key, path, artifact_id, vector, start_line, end_line, contents, language_tag, created_at
		 FROM cache_entries WHERE cache_key = ? AND artifact_id = ?`, cacheKey, artifactID)
	if err != nil {
		return nil, cgerrors.Wrap(cgerrors.KindRetrieveFailed, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Put inserts or replaces entries by UUID, as a single transactional
// append: the whole batch lands, or none of it does.
func (c *EmbeddingCache) Put(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cgerrors.New(cgerrors.KindInitFailed, "embedding cache is closed", nil)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cache_entries
			(uuid, cache_key, path, artifact_id, vector, start_line, end_line, contents, language_tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	defer stmt.Close()

	for _, e := range entries {
		vecBytes, err := encodeVector(e.Vector)
		if err != nil {
			return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Unix(0, 0).UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.UUID, e.CacheKey, e.Path, e.ArtifactID, vecBytes,
			e.StartLine, e.EndLine, e.Contents, e.LanguageTag, createdAt.UnixNano()); err != nil {
			return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	return nil
}

// DeleteByPath removes every cached entry for path.
func (c *EmbeddingCache) DeleteByPath(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cgerrors.New(cgerrors.KindInitFailed, "embedding cache is closed", nil)
	}

	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE path = ?`, path)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	return nil
}

// Delete removes the cached entries for a single (path, cache_key) pair.
func (c *EmbeddingCache) Delete(ctx context.Context, path, cacheKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cgerrors.New(cgerrors.KindInitFailed, "embedding cache is closed", nil)
	}

	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE path = ? AND cache_key = ?`, path, cacheKey)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	return nil
}

// Clear removes every entry from the cache.
func (c *EmbeddingCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cgerrors.New(cgerrors.KindInitFailed, "embedding cache is closed", nil)
	}

	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	return nil
}

// Stats reports row count and the approximate byte footprint of stored
// vector and text content.
func (c *EmbeddingCache) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Stats{}, cgerrors.New(cgerrors.KindInitFailed, "embedding cache is closed", nil)
	}

	var rows int64
	var bytesSum sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(LENGTH(vector) + LENGTH(contents)) FROM cache_entries`).Scan(&rows, &bytesSum)
	if err != nil {
		return Stats{}, cgerrors.Wrap(cgerrors.KindRetrieveFailed, err)
	}
	return Stats{Rows: rows, Bytes: bytesSum.Int64}, nil
}

// EvictOlderThan deletes every entry created before the cutoff computed
// from age, returning how many rows were removed.
func (c *EmbeddingCache) EvictOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, cgerrors.New(cgerrors.KindInitFailed, "embedding cache is closed", nil)
	}

	cutoff := time.Now().Add(-age).UnixNano()
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close checkpoints the WAL and closes the underlying connection.
// Idempotent, matching the durable index's own Close behaviour.
func (c *EmbeddingCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.db != nil {
		_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return c.db.Close()
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var e Entry
		var vecBytes []byte
		var languageTag sql.NullString
		var createdAtNano int64

		if err := rows.Scan(&e.UUID, &e.CacheKey, &e.Path, &e.ArtifactID, &vecBytes,
			&e.StartLine, &e.EndLine, &e.Contents, &languageTag, &createdAtNano); err != nil {
			return nil, cgerrors.Wrap(cgerrors.KindRetrieveFailed, err)
		}

		vec, err := decodeVector(vecBytes)
		if err != nil {
			return nil, cgerrors.Wrap(cgerrors.KindRetrieveFailed, err)
		}

		e.Vector = vec
		e.LanguageTag = languageTag.String
		e.CreatedAt = time.Unix(0, createdAtNano).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func encodeVector(v []float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(data []byte) ([]float32, error) {
	var v []float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
