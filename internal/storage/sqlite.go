package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(1)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			id           TEXT PRIMARY KEY,
			filename     TEXT NOT NULL,
			path         TEXT NOT NULL,
			content_type TEXT,
			size_bytes   INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id           TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			turn_number  INTEGER NOT NULL,
			user_query   TEXT NOT NULL,
			file_ids     JSON,
			status       TEXT NOT NULL DEFAULT 'processing',
			error        TEXT,
			started_at   TEXT,
			completed_at TEXT,
			created_at   TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_thread_id_idx ON turns(thread_id, turn_number);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id           TEXT PRIMARY KEY,
			turn_id      TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			stage_id     TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			step         TEXT NOT NULL,
			status       TEXT NOT NULL,
			output       JSON,
			error        JSON,
			started_at   TEXT,
			completed_at TEXT,
			created_at   TEXT NOT NULL,
			UNIQUE (turn_id, stage_id)
		);`,
		`CREATE INDEX IF NOT EXISTS steps_turn_id_idx ON steps(turn_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
