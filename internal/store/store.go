// Package store persists per-user settings and the append-only usage ledger
// in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a setting does not exist.
var ErrNotFound = errors.New("not found")

// Well-known setting keys.
const (
	KeyStatus      = "status"
	KeyQuota       = "openai-quota"
	KeyCookie      = "cookie"
	KeyChatContext = "chat-context"
)

// Status values stored under KeyStatus.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// DB wraps the SQLite database holding both tables.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock replaces the clock used to stamp rows and compute windows.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; each statement is its own
	// transaction.
	db.SetMaxOpenConns(1)

	createSettingsTable := `
	CREATE TABLE IF NOT EXISTS user_settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		setting_key TEXT NOT NULL,
		setting_value TEXT NOT NULL,
		modified_time INTEGER NOT NULL,
		UNIQUE(username, setting_key)
	);`

	createUsageTable := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		model TEXT,
		prompt_tokens INTEGER,
		completion_tokens INTEGER
	);`

	createUsageIndex := `
	CREATE INDEX IF NOT EXISTS idx_usage_records_username ON usage_records(username, created_at);`

	for _, stmt := range []string{createSettingsTable, createUsageTable, createUsageIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	d := &DB{db: db, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
