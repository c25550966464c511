package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nupi-ai/habitvault/internal/datapoint"
	storecrypto "github.com/nupi-ai/habitvault/internal/store/crypto"
)

// ErrForeignID is returned when a save reuses the id of another plugin's
// data point.
var ErrForeignID = datapoint.ErrForeignID

const dataPointColumns = `id, plugin_id, metric, value, note, recorded_at`

// SaveDataPoint inserts dp, or replaces the record with the same id when it
// belongs to the same plugin. The value and note are sealed at rest.
func (s *Store) SaveDataPoint(ctx context.Context, dp datapoint.DataPoint) error {
	if err := s.writable("save data point"); err != nil {
		return err
	}
	value, note, err := s.sealPayload(dp)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO data_points (id, plugin_id, metric, value, note, recorded_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT IFNULL(MAX(revision), 0) + 1 FROM data_points))
		ON CONFLICT(id) DO UPDATE SET
			metric = excluded.metric,
			value = excluded.value,
			note = excluded.note,
			recorded_at = excluded.recorded_at,
			revision = excluded.revision
		WHERE data_points.plugin_id = excluded.plugin_id
	`, dp.ID, dp.PluginID, dp.Metric, value, note, formatTime(dp.RecordedAt))
	if err != nil {
		return fmt.Errorf("store: save data point %s: %w", dp.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: save data point %s: %w", dp.ID, ErrForeignID)
	}
	return nil
}

// ListDataPoints returns the records of pluginID ordered by recording time.
func (s *Store) ListDataPoints(ctx context.Context, pluginID string) ([]datapoint.DataPoint, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT `+dataPointColumns+`
		FROM data_points
		WHERE plugin_id = ?
		ORDER BY recorded_at, seq
	`, pluginID)
	if err != nil {
		return nil, fmt.Errorf("store: query data points: %w", err)
	}
	return scanList(rs, s.scanDataPoint, "store: scan data point", "store: iterate data points")
}

// CountDataPoints returns how many records pluginID owns.
func (s *Store) CountDataPoints(ctx context.Context, pluginID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_points WHERE plugin_id = ?`, pluginID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count data points: %w", err)
	}
	return n, nil
}

// DeleteDataPoints removes ids and returns how many rows went away.
func (s *Store) DeleteDataPoints(ctx context.Context, ids []string) (int, error) {
	if err := s.writable("delete data points"); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM data_points WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
		if err != nil {
			return fmt.Errorf("store: delete data points: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return int(deleted), err
}

// DataPointOwners maps each known id to its owning plugin.
func (s *Store) DataPointOwners(ctx context.Context, ids []string) (map[string]string, error) {
	owners := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return owners, nil
	}
	rs, err := s.db.QueryContext(ctx, `SELECT id, plugin_id FROM data_points WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("store: query data point owners: %w", err)
	}
	defer rs.Close()
	for rs.Next() {
		var id, owner string
		if err := rs.Scan(&id, &owner); err != nil {
			return nil, fmt.Errorf("store: scan data point owner: %w", err)
		}
		owners[id] = owner
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate data point owners: %w", err)
	}
	return owners, nil
}

// WatchDataPoints emits the records of pluginID, then polls and emits the
// full set again whenever it changes. A query failure is sent on the error
// channel and ends the watch. The caller must cancel ctx to stop it.
func (s *Store) WatchDataPoints(ctx context.Context, pluginID string, interval time.Duration) (<-chan []datapoint.DataPoint, <-chan error, error) {
	if s == nil || s.db == nil {
		return nil, nil, sql.ErrConnDone
	}
	if interval <= 0 {
		interval = time.Second
	}
	if interval < minWatchInterval {
		interval = minWatchInterval
	}

	initial, err := s.dataMarker(ctx, pluginID)
	if err != nil {
		return nil, nil, err
	}

	data := make(chan []datapoint.DataPoint)
	errs := make(chan error, 1)

	go func() {
		defer close(data)

		emit := func() bool {
			points, err := s.ListDataPoints(ctx, pluginID)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return false
			}
			select {
			case data <- points:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}

		last := initial
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := s.dataMarker(ctx, pluginID)
				if err != nil {
					if ctx.Err() == nil {
						errs <- err
					}
					return
				}
				if next == last {
					continue
				}
				last = next
				if !emit() {
					return
				}
			}
		}
	}()

	return data, errs, nil
}

// dataMarker changes whenever a record of pluginID is added, replaced or
// removed.
type dataMarker struct {
	count    int
	revision int64
}

func (s *Store) dataMarker(ctx context.Context, pluginID string) (dataMarker, error) {
	var m dataMarker
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), IFNULL(MAX(revision), 0)
		FROM data_points
		WHERE plugin_id = ?
	`, pluginID).Scan(&m.count, &m.revision); err != nil {
		return dataMarker{}, fmt.Errorf("store: data point marker: %w", err)
	}
	return m, nil
}

func (s *Store) sealPayload(dp datapoint.DataPoint) (string, string, error) {
	if s.sealKey == nil {
		return "", "", errors.New("store: no encryption key loaded")
	}
	raw, err := datapoint.MarshalValue(dp.Value)
	if err != nil {
		return "", "", fmt.Errorf("store: encode value: %w", err)
	}
	value, err := storecrypto.Seal(s.sealKey, string(raw))
	if err != nil {
		return "", "", fmt.Errorf("store: seal value: %w", err)
	}
	note := ""
	if dp.Note != "" {
		if note, err = storecrypto.Seal(s.sealKey, dp.Note); err != nil {
			return "", "", fmt.Errorf("store: seal note: %w", err)
		}
	}
	return value, note, nil
}

func (s *Store) open(stored string) (string, error) {
	if s.sealKey == nil {
		return "", errors.New("store: no encryption key loaded")
	}
	return storecrypto.Open(s.sealKey, stored)
}

func (s *Store) scanDataPoint(scanner rowScanner) (datapoint.DataPoint, error) {
	var (
		dp          datapoint.DataPoint
		sealedValue string
		sealedNote  string
		recordedAt  string
	)
	if err := scanner.Scan(&dp.ID, &dp.PluginID, &dp.Metric, &sealedValue, &sealedNote, &recordedAt); err != nil {
		return datapoint.DataPoint{}, err
	}
	raw, err := s.open(sealedValue)
	if err != nil {
		return datapoint.DataPoint{}, err
	}
	if dp.Value, err = datapoint.UnmarshalValue([]byte(raw)); err != nil {
		return datapoint.DataPoint{}, err
	}
	if sealedNote != "" {
		if dp.Note, err = s.open(sealedNote); err != nil {
			return datapoint.DataPoint{}, err
		}
	}
	if dp.RecordedAt, err = parseTime(recordedAt); err != nil {
		return datapoint.DataPoint{}, err
	}
	return dp, nil
}
