package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
)

const eventColumns = `id, seq, plugin_id, at, type, severity, kind, capability, actor, detail, access_type, record_count, target`

// EventFilter narrows QueryEvents. Zero fields match everything.
type EventFilter struct {
	PluginID string
	Type     audit.EventType
	Since    time.Time
	Limit    int
}

// WriteEvent persists ev. It satisfies audit.Sink so the store can be
// attached to a Monitor. Writing the same event twice is a no-op.
func (s *Store) WriteEvent(ctx context.Context, ev audit.Event) error {
	if err := s.writable("write security event"); err != nil {
		return err
	}
	e := audit.EntryOf(ev)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, int64(e.Seq), e.PluginID, formatTime(ev.At), e.Type, e.Severity, e.Kind, e.Capability,
		e.Actor, e.Detail, e.AccessType, e.RecordCount, e.Target); err != nil {
		return fmt.Errorf("store: write security event %s: %w", ev.ID, err)
	}
	return nil
}

// LoadEvents returns events recorded at or after since, oldest first.
func (s *Store) LoadEvents(ctx context.Context, since time.Time) ([]audit.Event, error) {
	return s.QueryEvents(ctx, EventFilter{Since: since})
}

// MaxEventSeq returns the highest persisted event sequence number, or 0
// when no event was ever written.
func (s *Store) MaxEventSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT IFNULL(MAX(seq), 0) FROM security_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: max event seq: %w", err)
	}
	return uint64(seq), nil
}

// QueryEvents returns the events matching f, oldest first. With a Limit
// only the newest Limit matches are returned.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.PluginID != "" {
		where = append(where, "plugin_id = ?")
		args = append(args, f.PluginID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + eventColumns + ` FROM security_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY at DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rs, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query security events: %w", err)
	}
	events, err := scanList(rs, scanEvent, "store: scan security event", "store: iterate security events")
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvent(scanner rowScanner) (audit.Event, error) {
	var (
		e   audit.Entry
		seq int64
		at  string
	)
	if err := scanner.Scan(&e.ID, &seq, &e.PluginID, &at, &e.Type, &e.Severity, &e.Kind, &e.Capability,
		&e.Actor, &e.Detail, &e.AccessType, &e.RecordCount, &e.Target); err != nil {
		return audit.Event{}, err
	}
	t, err := parseTime(at)
	if err != nil {
		return audit.Event{}, err
	}
	e.Seq = uint64(seq)
	e.At = t.Format(time.RFC3339Nano)
	return e.Event()
}
