package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Setting is a stored value with its last modification time.
type Setting struct {
	Value      string
	ModifiedAt time.Time
}

// Settings is the per-user key/value store.
type Settings struct {
	db *DB
}

// Settings returns the settings store backed by d.
func (d *DB) Settings() *Settings {
	return &Settings{db: d}
}

// Set inserts or replaces the value of key for username.
func (s *Settings) Set(ctx context.Context, username, key, value string) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO user_settings (username, setting_key, setting_value, modified_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username, setting_key)
		DO UPDATE SET setting_value = excluded.setting_value, modified_time = excluded.modified_time`,
		username, key, value, toUnix(s.db.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to set %s for %s: %w", key, username, err)
	}
	return nil
}

// Get returns the value of key for username, or ErrNotFound.
func (s *Settings) Get(ctx context.Context, username, key string) (string, error) {
	var value string
	err := s.db.db.QueryRowContext(ctx,
		"SELECT setting_value FROM user_settings WHERE username = ? AND setting_key = ?",
		username, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s for %s: %w", key, username, err)
	}
	return value, nil
}

// Delete removes key for username. Deleting a missing key is not an error.
func (s *Settings) Delete(ctx context.Context, username, key string) error {
	_, err := s.db.db.ExecContext(ctx,
		"DELETE FROM user_settings WHERE username = ? AND setting_key = ?",
		username, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s for %s: %w", key, username, err)
	}
	return nil
}

// GetAll returns every setting of username keyed by setting key.
func (s *Settings) GetAll(ctx context.Context, username string) (map[string]Setting, error) {
	rows, err := s.db.db.QueryContext(ctx,
		"SELECT setting_key, setting_value, modified_time FROM user_settings WHERE username = ?",
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for %s: %w", username, err)
	}
	defer rows.Close()

	settings := map[string]Setting{}
	for rows.Next() {
		var key, value string
		var modified int64
		if err := rows.Scan(&key, &value, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = Setting{Value: value, ModifiedAt: fromUnix(modified)}
	}
	return settings, rows.Err()
}
