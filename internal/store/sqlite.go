// ABOUTME: SQLite implementation of prompt and binding persistence using modernc.org/sqlite
// ABOUTME: Provides automatic schema creation with WAL mode for concurrent access

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists prompts and binding snapshots using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS prompts (
			prompt_id        TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			type             TEXT NOT NULL,
			confidence       TEXT NOT NULL,
			excerpt          TEXT NOT NULL,
			choices_json     TEXT,
			status           TEXT NOT NULL,
			nonce            TEXT NOT NULL UNIQUE,
			nonce_used       INTEGER NOT NULL DEFAULT 0,
			answer           TEXT,
			channel_identity TEXT,
			created_at       TEXT NOT NULL,
			expires_at       TEXT NOT NULL,
			resolved_at      TEXT,

			CHECK (type IN ('yes_no', 'multiple_choice', 'free_text')),
			CHECK (confidence IN ('high', 'medium', 'low')),
			CHECK (status IN ('created', 'routed', 'awaiting_reply', 'reply_received',
			                  'injected', 'resolved', 'expired', 'canceled', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_prompts_session ON prompts(session_id);
		CREATE INDEX IF NOT EXISTS idx_prompts_status ON prompts(status);
		CREATE INDEX IF NOT EXISTS idx_prompts_expires ON prompts(status, expires_at);

		CREATE TABLE IF NOT EXISTS prompt_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			prompt_id  TEXT NOT NULL,
			status     TEXT NOT NULL,
			note       TEXT,
			created_at TEXT NOT NULL,

			FOREIGN KEY (prompt_id) REFERENCES prompts(prompt_id)
		);

		CREATE INDEX IF NOT EXISTS idx_prompt_history_prompt
			ON prompt_history(prompt_id, id);

		CREATE TABLE IF NOT EXISTS channel_bindings (
			channel          TEXT NOT NULL,
			thread_id        TEXT NOT NULL,
			session_id       TEXT NOT NULL,
			identity         TEXT,
			state            TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,

			PRIMARY KEY (channel, thread_id)
		);

		CREATE INDEX IF NOT EXISTS idx_channel_bindings_session
			ON channel_bindings(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}
