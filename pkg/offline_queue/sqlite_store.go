package offline_queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pmkol/swproxy/pkg/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_mutations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    header TEXT NOT NULL,
    body BLOB,
    enqueued_at INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_offline_mutations_order ON offline_mutations (enqueued_at, seq);
`

// SQLiteStore is a durable Store. It may share its database with the
// sqlite cache backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil sql db")
	}
	if err := sqlitedb.Migrate(ctx, db, "offline_queue_0001_init", schema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, m *PendingMutation) error {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return fmt.Errorf("failed to marshal header, %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO offline_mutations (id, method, url, header, body, enqueued_at, retry_count)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Method, m.URL, string(header), m.Body, m.EnqueuedAt.UnixNano(), m.RetryCount,
	)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, method, url, header, body, enqueued_at, retry_count
FROM offline_mutations ORDER BY enqueued_at, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingMutation
	for rows.Next() {
		var (
			m          PendingMutation
			header     string
			enqueuedAt int64
		)
		if err := rows.Scan(&m.ID, &m.Method, &m.URL, &header, &m.Body, &enqueuedAt, &m.RetryCount); err != nil {
			return nil, err
		}
		m.Header = make(http.Header)
		if err := json.Unmarshal([]byte(header), &m.Header); err != nil {
			return nil, fmt.Errorf("invalid header of mutation %s, %w", m.ID, err)
		}
		m.EnqueuedAt = time.Unix(0, enqueuedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, m *PendingMutation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_mutations SET retry_count = ? WHERE id = ?`, m.RetryCount, m.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMutationNotFound
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_mutations WHERE id = ?`, id)
	return err
}
