package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageRecord is one ledger row. Placeholder rows marking the start of an
// interaction carry no model or token counts.
type UsageRecord struct {
	ID               int64
	Username         string
	CreatedAt        time.Time
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// IsPlaceholder reports whether the record marks a session start rather
// than a completion call.
func (r UsageRecord) IsPlaceholder() bool {
	return r.Model == ""
}

// Ledger is the append-only record of completion calls.
type Ledger struct {
	db *DB
}

// Ledger returns the usage ledger backed by d.
func (d *DB) Ledger() *Ledger {
	return &Ledger{db: d}
}

// RecordSessionStart appends a placeholder row for username.
func (l *Ledger) RecordSessionStart(ctx context.Context, username string) error {
	_, err := l.db.db.ExecContext(ctx,
		"INSERT INTO usage_records (username, created_at) VALUES (?, ?)",
		username, toUnix(l.db.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record session start for %s: %w", username, err)
	}
	return nil
}

// RecordUsage appends one completion call for username.
func (l *Ledger) RecordUsage(ctx context.Context, username, model string, promptTokens, completionTokens int) error {
	if model == "" {
		return fmt.Errorf("failed to record usage for %s: empty model", username)
	}
	_, err := l.db.db.ExecContext(ctx,
		"INSERT INTO usage_records (username, created_at, model, prompt_tokens, completion_tokens) VALUES (?, ?, ?, ?, ?)",
		username, toUnix(l.db.now()), model, promptTokens, completionTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", username, err)
	}
	return nil
}

// UsageFor returns every record of username across all time.
func (l *Ledger) UsageFor(ctx context.Context, username string) ([]UsageRecord, error) {
	return l.query(ctx,
		"SELECT id, username, created_at, model, prompt_tokens, completion_tokens FROM usage_records WHERE username = ? ORDER BY created_at, id",
		username,
	)
}

// UsageSince returns the records of username created within the trailing window.
func (l *Ledger) UsageSince(ctx context.Context, username string, window time.Duration) ([]UsageRecord, error) {
	return l.query(ctx,
		"SELECT id, username, created_at, model, prompt_tokens, completion_tokens FROM usage_records WHERE username = ? AND created_at > ? ORDER BY created_at, id",
		username, toUnix(l.db.now().Add(-window)),
	)
}

// AllUsageSince returns the records of every user created within the trailing window.
func (l *Ledger) AllUsageSince(ctx context.Context, window time.Duration) ([]UsageRecord, error) {
	return l.query(ctx,
		"SELECT id, username, created_at, model, prompt_tokens, completion_tokens FROM usage_records WHERE created_at > ? ORDER BY created_at, id",
		toUnix(l.db.now().Add(-window)),
	)
}

func (l *Ledger) query(ctx context.Context, q string, args ...any) ([]UsageRecord, error) {
	rows, err := l.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var created int64
		var model sql.NullString
		var prompt, completion sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Username, &created, &model, &prompt, &completion); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.CreatedAt = fromUnix(created)
		r.Model = model.String
		r.PromptTokens = int(prompt.Int64)
		r.CompletionTokens = int(completion.Int64)
		records = append(records, r)
	}
	return records, rows.Err()
}
