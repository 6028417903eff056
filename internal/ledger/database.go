package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// Open opens the SQLite ledger at path.
// WAL mode lets the status endpoint read while the pipeline writes.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates the ledger tables. It is idempotent.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			byte_offset INTEGER NOT NULL DEFAULT 0,
			lines INTEGER NOT NULL DEFAULT 0,
			passes INTEGER NOT NULL DEFAULT 0,
			last_indexed_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			chunk_key TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			project TEXT NOT NULL,
			file_path TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tokens INTEGER NOT NULL,
			collection TEXT NOT NULL,
			point_id TEXT NOT NULL,
			indexed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON chunks (conversation_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks (file_path);`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_kind ON anomalies (kind);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
