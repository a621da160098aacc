// Package store wraps the SQLite database holding indexed conversations,
// their full-text index, scheduler processed-state, and the durable
// active-process records consumed at startup recovery.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store wraps a SQLite database. Thread-safe for concurrent use from
// multiple goroutines within one process: WAL mode allows concurrent
// readers while a single writer commits.
type Store struct {
	db *sql.DB
}

// Origin distinguishes how a conversation was created.
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginAutomated Origin = "automated"
)

// Conversation is one indexed conversation log.
type Conversation struct {
	ID             string
	Origin         Origin
	GroupKey       string
	Title          string
	Preview        string
	TurnCount      int
	StartedAt      time.Time
	LastActivityAt time.Time
	LastIndexedAt  time.Time
	Unread         bool
	Hidden         bool
}

// DisplayName resolves the human-facing label: the assigned title when
// present, otherwise the last path component of the group key.
func (c *Conversation) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	if c.GroupKey != "" {
		return filepath.Base(c.GroupKey)
	}
	return c.ID
}

// Turn is one message within a conversation. Turns are exclusively owned
// by their conversation and replaced as a batch on reindex.
type Turn struct {
	ConversationID string
	TurnID         string
	Role           string // "user" or "agent"
	Content        string
	Timestamp      time.Time // zero when the source entry had none
}

// SearchHit is a derived, per-query result row. Never persisted.
type SearchHit struct {
	Conversation Conversation
	TurnID       string
	Snippet      string
	Rank         float64
}

// ProcessedItem is the scheduler's durable per-work-item state.
type ProcessedItem struct {
	Key             string
	LastChangedMark string
	LastProcessedAt time.Time
}

// ActiveProcess is a durable "process was alive" record, written at launch
// and cleared on exit. Survivors found at startup are orphans to reap.
type ActiveProcess struct {
	PID        int
	PGID       int
	ItemKey    string
	LaunchedAt time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and
// busy timeout.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// WAL mode: concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}

	// Wait up to 5s if another connection holds the write lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g. testing).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending
// migrations, all inside one transaction.
func (s *Store) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			origin           TEXT NOT NULL DEFAULT 'manual',
			group_key        TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL DEFAULT '',
			preview          TEXT NOT NULL DEFAULT '',
			turn_count       INTEGER NOT NULL DEFAULT 0,
			started_at       INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			last_indexed_at  INTEGER NOT NULL DEFAULT 0,
			unread           INTEGER NOT NULL DEFAULT 0,
			hidden           INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("store: create conversations: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_conv_started ON conversations(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conv_origin  ON conversations(origin);
	`); err != nil {
		return fmt.Errorf("store: create conversation indexes: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT NOT NULL,
			turn_id         TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			ts              INTEGER,
			PRIMARY KEY (conversation_id, turn_id)
		)
	`); err != nil {
		return fmt.Errorf("store: create turns: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_turns_conv ON turns(conversation_id, seq);
	`); err != nil {
		return fmt.Errorf("store: create turn indexes: %w", err)
	}

	// Contentless-delete is not available in all modernc builds; use a
	// standard external-content FTS table kept in sync by triggers.
	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
			content,
			content='turns',
			content_rowid='rowid'
		)
	`); err != nil {
		return fmt.Errorf("store: create fts table: %w", err)
	}

	var trigger string
	err = tx.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='turns_fts_insert'",
	).Scan(&trigger)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.Exec(`
			CREATE TRIGGER turns_fts_insert AFTER INSERT ON turns BEGIN
				INSERT INTO turns_fts(rowid, content) VALUES (new.rowid, new.content);
			END;
			CREATE TRIGGER turns_fts_delete AFTER DELETE ON turns BEGIN
				INSERT INTO turns_fts(turns_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			END;
		`); err != nil {
			return fmt.Errorf("store: create fts triggers: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("store: check fts triggers: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS processed_items (
			key               TEXT PRIMARY KEY,
			last_changed_mark TEXT NOT NULL DEFAULT '',
			last_processed_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create processed_items: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS active_processes (
			pid         INTEGER PRIMARY KEY,
			pgid        INTEGER NOT NULL,
			item_key    TEXT NOT NULL DEFAULT '',
			launched_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create active_processes: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}

	return tx.Commit()
}

// timeOrZero converts a stored unix-seconds value back to time.Time,
// mapping 0 to the zero time.
func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// unixOrZero is the inverse of timeOrZero.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
