package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/ledger"
)

const grantColumns = `plugin_id, capability, granted_by, granted_at, active, revoked_by, revoked_at`

// InsertGrants adds active grant rows in one transaction. A row that is
// already active is left untouched.
func (s *Store) InsertGrants(ctx context.Context, grants []ledger.Grant) error {
	if err := s.writable("insert grants"); err != nil {
		return err
	}
	if len(grants) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO plugin_grants (plugin_id, capability, granted_by, granted_at, active)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT (plugin_id, capability) WHERE active = 1 DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("store: prepare grant insert: %w", err)
		}
		defer stmt.Close()

		for _, g := range grants {
			if _, err := stmt.ExecContext(ctx, g.PluginID, g.Capability.String(), g.GrantedBy, formatTime(g.GrantedAt)); err != nil {
				return fmt.Errorf("store: insert grant %s/%s: %w", g.PluginID, g.Capability, err)
			}
		}
		return nil
	})
}

// RevokeGrants deactivates the active rows of caps for pluginID.
func (s *Store) RevokeGrants(ctx context.Context, pluginID string, caps []capability.Capability, revokedBy string, at time.Time) error {
	if err := s.writable("revoke grants"); err != nil {
		return err
	}
	if len(caps) == 0 {
		return nil
	}
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	args := append([]any{revokedBy, formatTime(at), pluginID}, stringArgs(names)...)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE plugin_grants
			SET active = 0, revoked_by = ?, revoked_at = ?
			WHERE active = 1 AND plugin_id = ? AND capability IN (`+placeholders(len(names))+`)
		`, args...); err != nil {
			return fmt.Errorf("store: revoke grants of %s: %w", pluginID, err)
		}
		return nil
	})
}

// GrantHistory returns every grant row of pluginID, oldest first.
func (s *Store) GrantHistory(ctx context.Context, pluginID string) ([]ledger.Grant, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM plugin_grants
		WHERE plugin_id = ?
		ORDER BY id
	`, pluginID)
	if err != nil {
		return nil, fmt.Errorf("store: query grant history: %w", err)
	}
	return scanList(rs, scanGrant, "store: scan grant", "store: iterate grants")
}

func scanGrant(scanner rowScanner) (ledger.Grant, error) {
	var (
		g         ledger.Grant
		capName   string
		grantedAt string
		active    int
		revokedBy sql.NullString
		revokedAt sql.NullString
	)
	if err := scanner.Scan(&g.PluginID, &capName, &g.GrantedBy, &grantedAt, &active, &revokedBy, &revokedAt); err != nil {
		return ledger.Grant{}, err
	}
	c, err := capability.Parse(capName)
	if err != nil {
		return ledger.Grant{}, err
	}
	g.Capability = c
	g.Active = active == 1
	g.RevokedBy = revokedBy.String
	if g.GrantedAt, err = parseTime(grantedAt); err != nil {
		return ledger.Grant{}, err
	}
	if g.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return ledger.Grant{}, err
	}
	return g, nil
}
