package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLite is a durable Store backed by a single SQLite database. It is the
// only persistence in the routing core; runs themselves are ephemeral.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the store at path. Use ":memory:" for an
// ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent coalescer traffic.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (bucket, key, value, updated_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
	`, bucket, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, bucket, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE bucket = ? AND substr(key, 1, length(?)) = ?`,
		bucket, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("kv list scan: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
