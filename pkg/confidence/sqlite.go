package confidence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zen-systems/routegate/pkg/task"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS outcome_stats (
	backend    TEXT    NOT NULL,
	category   TEXT    NOT NULL,
	successes  INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (backend, category),
	CHECK (successes <= total)
);`

// SQLiteStore persists counters in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite stats store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (map[Key]Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT backend, category, successes, total FROM outcome_stats`)
	if err != nil {
		return nil, fmt.Errorf("query outcome stats: %w", err)
	}
	defer rows.Close()

	out := make(map[Key]Stats)
	for rows.Next() {
		var backend, category string
		var st Stats
		if err := rows.Scan(&backend, &category, &st.Successes, &st.Total); err != nil {
			return nil, fmt.Errorf("scan outcome stats: %w", err)
		}
		out[Key{Backend: backend, Category: task.Category(category)}] = st
	}
	return out, rows.Err()
}

// Increment implements Store.
func (s *SQLiteStore) Increment(ctx context.Context, k Key, success bool) error {
	inc := 0
	if success {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO outcome_stats (backend, category, successes, total, updated_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (backend, category) DO UPDATE SET
	successes = successes + excluded.successes,
	total = total + 1,
	updated_at = excluded.updated_at`,
		k.Backend, string(k.Category), inc, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("increment outcome stats: %w", err)
	}
	return nil
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outcome_stats`); err != nil {
		return fmt.Errorf("reset outcome stats: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
