// internal/store/store.go
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB for the reset journal.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path in WAL mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlResets} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ---- DDL ----

const ddlResets = `
CREATE TABLE IF NOT EXISTS resets (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id    TEXT    NOT NULL UNIQUE,
    seq         INTEGER NOT NULL,          -- per-process reset sequence
    reason      TEXT    NOT NULL,
    error       TEXT    NOT NULL DEFAULT '',
    reenabled   TEXT    NOT NULL DEFAULT '', -- comma separated target ids
    started_at  INTEGER NOT NULL,          -- Unix milliseconds
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_resets_started_at ON resets (started_at DESC);
`
