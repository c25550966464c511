package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS plugin_grants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		granted_by TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		revoked_by TEXT,
		revoked_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_plugin_grants_active
		ON plugin_grants(plugin_id, capability) WHERE active = 1`,
	`CREATE INDEX IF NOT EXISTS idx_plugin_grants_plugin ON plugin_grants(plugin_id, id)`,
	`CREATE TABLE IF NOT EXISTS plugin_states (
		plugin_id TEXT PRIMARY KEY,
		state TEXT NOT NULL CHECK (state IN ('registered', 'disabled', 'enabled', 'error')),
		is_enabled INTEGER NOT NULL DEFAULT 0,
		is_collecting INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_collection_at TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS data_points (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		plugin_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		revision INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_data_points_plugin ON data_points(plugin_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		plugin_id TEXT NOT NULL,
		at TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		capability TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		access_type TEXT NOT NULL DEFAULT '',
		record_count INTEGER NOT NULL DEFAULT 0,
		target TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_at ON security_events(at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_plugin ON security_events(plugin_id, at)`,
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
	}

	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema transaction: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply schema statement %q: %w", abbreviate(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema transaction: %w", err)
	}
	return nil
}

func abbreviate(stmt string) string {
	const maxLen = 64
	trimmed := strings.Join(strings.Fields(stmt), " ")
	if len(trimmed) <= maxLen {
		return trimmed
	}
	return trimmed[:maxLen] + "…"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", raw, err)
	}
	return t, nil
}

func parseNullTime(raw sql.NullString) (time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	return parseTime(raw.String)
}
