package sqlite_cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_namespaces (
    name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
    namespace TEXT NOT NULL REFERENCES cache_namespaces(name) ON DELETE CASCADE,
    key TEXT NOT NULL,
    data BLOB NOT NULL,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);
`

var _ cache.Backend = (*SQLiteCache)(nil)

// SQLiteCache is a durable backend. Entries are stored as compressed codec
// blobs, one row per (namespace, key).
type SQLiteCache struct {
	db      *sql.DB
	ownedDB bool
}

type Opts struct {
	// DB cannot be nil.
	DB *sql.DB

	// CloseDB closes DB when SQLiteCache.Close is called.
	CloseDB bool
}

func NewSQLiteCache(ctx context.Context, opts Opts) (*SQLiteCache, error) {
	if opts.DB == nil {
		return nil, errors.New("nil sql db")
	}
	if err := sqlitedb.Migrate(ctx, opts.DB, "cache_0001_init", schema); err != nil {
		return nil, err
	}
	return &SQLiteCache{db: opts.DB, ownedDB: opts.CloseDB}, nil
}

func (c *SQLiteCache) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM cache_namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *SQLiteCache) CreateNamespace(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_namespaces (name, created_at) VALUES (?, ?)`,
		name, time.Now().UnixMilli(),
	)
	return err
}

func (c *SQLiteCache) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, name); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, name)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *SQLiteCache) Get(ctx context.Context, namespace, key string) (*cache.Entry, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM cache_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e, err := cache.UnmarshalEntry(key, data)
	if err != nil {
		return nil, fmt.Errorf("corrupted entry %s/%s, %w", namespace, key, err)
	}
	return e, nil
}

// Store replaces the entry in a single statement, so a write is either fully
// applied or not at all.
func (c *SQLiteCache) Store(ctx context.Context, namespace string, e *cache.Entry) error {
	data, err := cache.MarshalEntry(e)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `
INSERT INTO cache_entries (namespace, key, data, stored_at)
SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM cache_namespaces WHERE name = ?)
ON CONFLICT (namespace, key) DO UPDATE SET data = excluded.data, stored_at = excluded.stored_at`,
		namespace, e.Key, data, e.StoredAt.UnixNano(), namespace,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return cache.ErrNamespaceNotFound
	}
	return nil
}

func (c *SQLiteCache) Len() int {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (c *SQLiteCache) Close() error {
	if c.ownedDB {
		return c.db.Close()
	}
	return nil
}
