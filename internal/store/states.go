package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nupi-ai/habitvault/internal/lifecycle"
)

// LoadStates returns every persisted plugin runtime state.
func (s *Store) LoadStates(ctx context.Context) ([]lifecycle.RuntimeState, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT plugin_id, state, is_enabled, is_collecting, error_count, last_error, last_collection_at, updated_at
		FROM plugin_states
		ORDER BY plugin_id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query plugin states: %w", err)
	}
	return scanList(rs, scanState, "store: scan plugin state", "store: iterate plugin states")
}

// SaveState upserts st.
func (s *Store) SaveState(ctx context.Context, st lifecycle.RuntimeState) error {
	if err := s.writable("save plugin state"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_states (plugin_id, state, is_enabled, is_collecting, error_count, last_error, last_collection_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET
			state = excluded.state,
			is_enabled = excluded.is_enabled,
			is_collecting = excluded.is_collecting,
			error_count = excluded.error_count,
			last_error = excluded.last_error,
			last_collection_at = excluded.last_collection_at,
			updated_at = excluded.updated_at
	`, st.PluginID, string(st.State), boolToInt(st.IsEnabled), boolToInt(st.IsCollecting), st.ErrorCount,
		st.LastError, formatNullTime(st.LastCollectionAt), formatTime(st.UpdatedAt)); err != nil {
		return fmt.Errorf("store: save plugin state %s: %w", st.PluginID, err)
	}
	return nil
}

// PluginState returns the persisted state of pluginID.
func (s *Store) PluginState(ctx context.Context, pluginID string) (lifecycle.RuntimeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plugin_id, state, is_enabled, is_collecting, error_count, last_error, last_collection_at, updated_at
		FROM plugin_states
		WHERE plugin_id = ?
	`, pluginID)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return lifecycle.RuntimeState{}, NotFoundError{Entity: "plugin state", Key: pluginID}
	}
	if err != nil {
		return lifecycle.RuntimeState{}, fmt.Errorf("store: get plugin state %s: %w", pluginID, err)
	}
	return st, nil
}

func scanState(scanner rowScanner) (lifecycle.RuntimeState, error) {
	var (
		st           lifecycle.RuntimeState
		state        string
		enabled      int
		collecting   int
		lastCollect  sql.NullString
		updatedAtRaw string
	)
	if err := scanner.Scan(&st.PluginID, &state, &enabled, &collecting, &st.ErrorCount, &st.LastError, &lastCollect, &updatedAtRaw); err != nil {
		return lifecycle.RuntimeState{}, err
	}
	st.State = lifecycle.State(state)
	st.IsEnabled = enabled == 1
	st.IsCollecting = collecting == 1
	var err error
	if st.LastCollectionAt, err = parseNullTime(lastCollect); err != nil {
		return lifecycle.RuntimeState{}, err
	}
	if st.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
		return lifecycle.RuntimeState{}, err
	}
	return st, nil
}
