// Package sqlite provides a SQLite-based implementation of the storage interface
// for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/contextd/contextd/pkg/storage"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements the Storage interface with one row per document.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	// A single connection serializes writers and avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		ns         TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (ns, key)
	);
	`)
	return err
}

// Get retrieves a document.
func (s *SQLiteStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE ns = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.NotFoundError{Namespace: namespace, Key: key}
		}
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return value, nil
}

// Put upserts a document.
func (s *SQLiteStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (ns, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Delete removes a document.
func (s *SQLiteStorage) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE ns = ? AND key = ?`, namespace, key); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// List returns sorted keys with the given prefix.
func (s *SQLiteStorage) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM documents WHERE ns = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		namespace, utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &storage.StorageUnavailableError{Cause: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return keys, nil
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
