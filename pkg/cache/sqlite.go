package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteBackend keeps payloads in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database file and its table.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// in-memory databases exist per connection
	db.SetMaxOpenConns(1)

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS cache_payloads (name TEXT PRIMARY KEY, payload BLOB NOT NULL, updated_at INTEGER NOT NULL)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

// Write inserts or replaces the payload row.
func (b *SQLiteBackend) Write(ctx context.Context, name string, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_payloads (name, payload, updated_at) VALUES (?, ?, ?)",
		name, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite write: %w", err)
	}
	return nil
}

// Read returns the payload row or ErrCacheMiss.
func (b *SQLiteBackend) Read(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT payload FROM cache_payloads WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("sqlite read: %w", err)
	}
	return data, nil
}

// Delete removes the payload row.
func (b *SQLiteBackend) Delete(ctx context.Context, name string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM cache_payloads WHERE name = ?", name); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Clear empties the table.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM cache_payloads"); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
