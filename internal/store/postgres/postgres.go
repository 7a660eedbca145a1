// Package postgres provides a PostgreSQL-backed result store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/persimmon-app/persimmon/internal/metrics"
	"github.com/persimmon-app/persimmon/internal/store"
)

// Store is a PostgreSQL result store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	path          TEXT PRIMARY KEY,
	root          TEXT NOT NULL,
	status        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	blob_key      TEXT NOT NULL DEFAULT '',
	source_mtime  TIMESTAMPTZ NOT NULL,
	computed_at   TIMESTAMPTZ NOT NULL,
	tombstoned_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS results_root_idx ON results (root);
CREATE INDEX IF NOT EXISTS results_tombstoned_idx ON results (tombstoned_at)
	WHERE tombstoned_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS cache_entries (
	path          TEXT PRIMARY KEY,
	blob_key      TEXT NOT NULL,
	source_mtime  TIMESTAMPTZ NOT NULL,
	last_access   TIMESTAMPTZ NOT NULL,
	tombstoned_at TIMESTAMPTZ
);
`

// New opens the database, configures the pool and bootstraps the schema.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutResult upserts a result row, clearing any tombstone.
func (s *Store) PutResult(ctx context.Context, r store.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (path, root, status, reason, blob_key, source_mtime, computed_at, tombstoned_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		 ON CONFLICT (path) DO UPDATE SET
			root = EXCLUDED.root,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			blob_key = EXCLUDED.blob_key,
			source_mtime = EXCLUDED.source_mtime,
			computed_at = EXCLUDED.computed_at,
			tombstoned_at = NULL`,
		r.Path, r.Root, string(r.Status), r.Reason, r.BlobKey, r.SourceMTime, r.ComputedAt)
	if err != nil {
		return fmt.Errorf("put result %s: %w", r.Path, err)
	}
	metrics.RecordStoreWrite("put_result")
	return nil
}

// GetResult returns the row for path.
func (s *Store) GetResult(ctx context.Context, path string) (store.Result, bool, error) {
	var r store.Result
	var status string
	var tombstoned sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT path, root, status, reason, blob_key, source_mtime, computed_at, tombstoned_at
		 FROM results WHERE path = $1`, path).
		Scan(&r.Path, &r.Root, &status, &r.Reason, &r.BlobKey, &r.SourceMTime, &r.ComputedAt, &tombstoned)
	if err == sql.ErrNoRows {
		return store.Result{}, false, nil
	}
	if err != nil {
		return store.Result{}, false, fmt.Errorf("get result %s: %w", path, err)
	}
	r.Status = store.Status(status)
	if tombstoned.Valid {
		t := tombstoned.Time
		r.TombstonedAt = &t
	}
	return r, true, nil
}

// PutCacheEntry upserts a cache entry row, clearing any tombstone.
func (s *Store) PutCacheEntry(ctx context.Context, e store.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (path, blob_key, source_mtime, last_access, tombstoned_at)
		 VALUES ($1, $2, $3, $4, NULL)
		 ON CONFLICT (path) DO UPDATE SET
			blob_key = EXCLUDED.blob_key,
			source_mtime = EXCLUDED.source_mtime,
			last_access = EXCLUDED.last_access,
			tombstoned_at = NULL`,
		e.Path, e.BlobKey, e.SourceMTime, e.LastAccess)
	if err != nil {
		return fmt.Errorf("put cache entry %s: %w", e.Path, err)
	}
	metrics.RecordStoreWrite("put_cache_entry")
	return nil
}

// GetCacheEntry returns the cache entry for path.
func (s *Store) GetCacheEntry(ctx context.Context, path string) (store.CacheEntry, bool, error) {
	var e store.CacheEntry
	var tombstoned sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT path, blob_key, source_mtime, last_access, tombstoned_at
		 FROM cache_entries WHERE path = $1`, path).
		Scan(&e.Path, &e.BlobKey, &e.SourceMTime, &e.LastAccess, &tombstoned)
	if err == sql.ErrNoRows {
		return store.CacheEntry{}, false, nil
	}
	if err != nil {
		return store.CacheEntry{}, false, fmt.Errorf("get cache entry %s: %w", path, err)
	}
	if tombstoned.Valid {
		t := tombstoned.Time
		e.TombstonedAt = &t
	}
	return e, true, nil
}

// Tombstone stamps both tables. The first stamp wins.
func (s *Store) Tombstone(ctx context.Context, path string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tombstone %s: %w", path, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE results SET tombstoned_at = $2 WHERE path = $1 AND tombstoned_at IS NULL`,
		path, at); err != nil {
		return fmt.Errorf("tombstone result %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET tombstoned_at = $2 WHERE path = $1 AND tombstoned_at IS NULL`,
		path, at); err != nil {
		return fmt.Errorf("tombstone cache entry %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tombstone %s: %w", path, err)
	}
	metrics.RecordStoreWrite("tombstone")
	return nil
}

// HardDelete removes the rows for path.
func (s *Store) HardDelete(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hard delete %s: %w", path, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete result %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hard delete %s: %w", path, err)
	}
	metrics.RecordStoreWrite("hard_delete")
	return nil
}

// ListUnderRoot returns result rows under root.
func (s *Store) ListUnderRoot(ctx context.Context, root string) ([]store.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, root, status, reason, blob_key, source_mtime, computed_at, tombstoned_at
		 FROM results WHERE root = $1 ORDER BY path`, root)
	if err != nil {
		return nil, fmt.Errorf("list under root %s: %w", root, err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// ListRoots returns the distinct roots present in the results table.
func (s *Store) ListRoots(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT root FROM results ORDER BY root`)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("scan root: %w", err)
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// ListTombstonedBefore returns result rows tombstoned before cutoff.
func (s *Store) ListTombstonedBefore(ctx context.Context, cutoff time.Time) ([]store.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, root, status, reason, blob_key, source_mtime, computed_at, tombstoned_at
		 FROM results WHERE tombstoned_at IS NOT NULL AND tombstoned_at < $1 ORDER BY path`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list tombstoned: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func scanResults(rows *sql.Rows) ([]store.Result, error) {
	var out []store.Result
	for rows.Next() {
		var r store.Result
		var status string
		var tombstoned sql.NullTime
		if err := rows.Scan(&r.Path, &r.Root, &status, &r.Reason, &r.BlobKey,
			&r.SourceMTime, &r.ComputedAt, &tombstoned); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Status = store.Status(status)
		if tombstoned.Valid {
			t := tombstoned.Time
			r.TombstonedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
