package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/datapoint"
	"github.com/nupi-ai/habitvault/internal/ledger"
	"github.com/nupi-ai/habitvault/internal/lifecycle"
	storecrypto "github.com/nupi-ai/habitvault/internal/store/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DBPath: filepath.Join(t.TempDir(), "vault.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "direct NotFoundError", err: NotFoundError{Entity: "test", Key: "k"}, want: true},
		{name: "wrapped NotFoundError", err: fmt.Errorf("outer: %w", NotFoundError{Entity: "test"}), want: true},
		{name: "nil error", err: nil, want: false},
		{name: "other error type", err: errors.New("something"), want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNotFoundErrorMessage(t *testing.T) {
	t.Parallel()

	if got := (NotFoundError{Entity: "plugin state", Key: "steps"}).Error(); got != "plugin state steps not found" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (NotFoundError{Entity: "plugin state"}).Error(); got != "plugin state not found" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(Options{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestGrantsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	grants := []ledger.Grant{
		{PluginID: "steps", Capability: capability.CollectData, GrantedBy: "user", GrantedAt: at},
		{PluginID: "steps", Capability: capability.ReadOwnData, GrantedBy: "user", GrantedAt: at},
		{PluginID: "mood", Capability: capability.CollectData, GrantedBy: "system:auto", GrantedAt: at},
	}
	if err := s.InsertGrants(ctx, grants); err != nil {
		t.Fatalf("InsertGrants: %v", err)
	}
	// Re-inserting an active grant is ignored.
	if err := s.InsertGrants(ctx, grants[:1]); err != nil {
		t.Fatalf("InsertGrants again: %v", err)
	}

	if n := activeGrants(t, s, "steps"); n != 2 {
		t.Fatalf("expected 2 active grants for steps, got %d", n)
	}
	mood, err := s.GrantHistory(ctx, "mood")
	if err != nil {
		t.Fatalf("GrantHistory: %v", err)
	}
	if len(mood) != 1 || !mood[0].Active || !mood[0].GrantedAt.Equal(at) {
		t.Fatalf("unexpected mood grants %+v", mood)
	}

	revokedAt := at.Add(time.Hour)
	if err := s.RevokeGrants(ctx, "steps", []capability.Capability{capability.ReadOwnData}, "user", revokedAt); err != nil {
		t.Fatalf("RevokeGrants: %v", err)
	}

	if n := activeGrants(t, s, "steps"); n != 1 {
		t.Fatalf("expected 1 active grant after revoke, got %d", n)
	}

	// Granting again after a revoke adds a new row and keeps the history.
	regrant := ledger.Grant{PluginID: "steps", Capability: capability.ReadOwnData, GrantedBy: "user", GrantedAt: revokedAt.Add(time.Minute)}
	if err := s.InsertGrants(ctx, []ledger.Grant{regrant}); err != nil {
		t.Fatalf("InsertGrants regrant: %v", err)
	}

	history, err := s.GrantHistory(ctx, "steps")
	if err != nil {
		t.Fatalf("GrantHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
	revoked := history[1]
	if revoked.Active || revoked.RevokedBy != "user" || !revoked.RevokedAt.Equal(revokedAt) {
		t.Fatalf("unexpected revoked row %+v", revoked)
	}
	if !history[2].Active {
		t.Fatalf("expected regrant to be active: %+v", history[2])
	}
}

func activeGrants(t *testing.T, s *Store, pluginID string) int {
	t.Helper()
	rows, err := s.GrantHistory(context.Background(), pluginID)
	if err != nil {
		t.Fatalf("GrantHistory: %v", err)
	}
	n := 0
	for _, r := range rows {
		if r.Active {
			n++
		}
	}
	return n
}

func TestStatesRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.PluginState(ctx, "steps"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	st := lifecycle.RuntimeState{
		PluginID:  "steps",
		State:     lifecycle.StateRegistered,
		UpdatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := s.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	st.State = lifecycle.StateEnabled
	st.IsEnabled = true
	st.IsCollecting = true
	st.LastCollectionAt = st.UpdatedAt.Add(time.Minute)
	st.UpdatedAt = st.UpdatedAt.Add(time.Minute)
	if err := s.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState update: %v", err)
	}

	got, err := s.PluginState(ctx, "steps")
	if err != nil {
		t.Fatalf("PluginState: %v", err)
	}
	if got.State != lifecycle.StateEnabled || !got.IsEnabled || !got.IsCollecting {
		t.Fatalf("unexpected state %+v", got)
	}
	if !got.LastCollectionAt.Equal(st.LastCollectionAt) {
		t.Fatalf("LastCollectionAt = %v, want %v", got.LastCollectionAt, st.LastCollectionAt)
	}

	all, err := s.LoadStates(ctx)
	if err != nil {
		t.Fatalf("LoadStates: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 state, got %d", len(all))
	}
}

func TestDataPointsSealedAtRest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	dp := datapoint.New("mood", "mood.score", datapoint.Number(7))
	dp.Note = "slept badly"
	if err := s.SaveDataPoint(ctx, dp); err != nil {
		t.Fatalf("SaveDataPoint: %v", err)
	}

	var rawValue, rawNote string
	if err := s.DB().QueryRowContext(ctx, `SELECT value, note FROM data_points WHERE id = ?`, dp.ID).Scan(&rawValue, &rawNote); err != nil {
		t.Fatalf("query raw: %v", err)
	}
	if !storecrypto.IsSealed(rawValue) || !storecrypto.IsSealed(rawNote) {
		t.Fatalf("expected sealed columns, got value=%q note=%q", rawValue, rawNote)
	}
	if strings.Contains(rawNote, "slept") {
		t.Fatal("note stored in plaintext")
	}

	points, err := s.ListDataPoints(ctx, "mood")
	if err != nil {
		t.Fatalf("ListDataPoints: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	got := points[0]
	if got.ID != dp.ID || got.Note != "slept badly" || got.Value != datapoint.Number(7) {
		t.Fatalf("unexpected point %+v", got)
	}
}

func TestSaveDataPointRejectsForeignID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	dp := datapoint.New("mood", "mood.score", datapoint.Number(3))
	if err := s.SaveDataPoint(ctx, dp); err != nil {
		t.Fatalf("SaveDataPoint: %v", err)
	}

	// Same plugin may replace its own record.
	dp.Value = datapoint.Number(4)
	if err := s.SaveDataPoint(ctx, dp); err != nil {
		t.Fatalf("SaveDataPoint replace: %v", err)
	}

	foreign := dp
	foreign.PluginID = "steps"
	foreign.Value = datapoint.Number(99)
	if err := s.SaveDataPoint(ctx, foreign); !errors.Is(err, ErrForeignID) {
		t.Fatalf("expected ErrForeignID, got %v", err)
	}

	points, err := s.ListDataPoints(ctx, "mood")
	if err != nil {
		t.Fatalf("ListDataPoints: %v", err)
	}
	if len(points) != 1 || points[0].Value != datapoint.Number(4) {
		t.Fatalf("unexpected points %+v", points)
	}
}

func TestCountOwnersAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	a := datapoint.New("mood", "mood.score", datapoint.Number(1))
	b := datapoint.New("mood", "mood.score", datapoint.Number(2))
	c := datapoint.New("steps", "steps.count", datapoint.Number(4000))
	for _, dp := range []datapoint.DataPoint{a, b, c} {
		if err := s.SaveDataPoint(ctx, dp); err != nil {
			t.Fatalf("SaveDataPoint: %v", err)
		}
	}

	n, err := s.CountDataPoints(ctx, "mood")
	if err != nil || n != 2 {
		t.Fatalf("CountDataPoints = %d, %v", n, err)
	}

	owners, err := s.DataPointOwners(ctx, []string{a.ID, c.ID, "missing"})
	if err != nil {
		t.Fatalf("DataPointOwners: %v", err)
	}
	if len(owners) != 2 || owners[a.ID] != "mood" || owners[c.ID] != "steps" {
		t.Fatalf("unexpected owners %v", owners)
	}

	deleted, err := s.DeleteDataPoints(ctx, []string{a.ID, b.ID})
	if err != nil || deleted != 2 {
		t.Fatalf("DeleteDataPoints = %d, %v", deleted, err)
	}
	if n, _ := s.CountDataPoints(ctx, "mood"); n != 0 {
		t.Fatalf("expected 0 mood points, got %d", n)
	}
	if deleted, err := s.DeleteDataPoints(ctx, nil); err != nil || deleted != 0 {
		t.Fatalf("DeleteDataPoints(nil) = %d, %v", deleted, err)
	}
}

func TestWatchDataPoints(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data, errs, err := s.WatchDataPoints(ctx, "mood", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WatchDataPoints: %v", err)
	}

	recv := func() []datapoint.DataPoint {
		t.Helper()
		select {
		case points := <-data:
			return points
		case err := <-errs:
			t.Fatalf("watch error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for watch emission")
		}
		return nil
	}

	if initial := recv(); len(initial) != 0 {
		t.Fatalf("expected empty initial emission, got %d", len(initial))
	}

	dp := datapoint.New("mood", "mood.score", datapoint.Number(5))
	if err := s.SaveDataPoint(context.Background(), dp); err != nil {
		t.Fatalf("SaveDataPoint: %v", err)
	}
	if points := recv(); len(points) != 1 || points[0].ID != dp.ID {
		t.Fatalf("unexpected emission %+v", points)
	}

	// Replacing a record changes the revision even though the count does not.
	dp.Value = datapoint.Number(6)
	if err := s.SaveDataPoint(context.Background(), dp); err != nil {
		t.Fatalf("SaveDataPoint replace: %v", err)
	}
	if points := recv(); len(points) != 1 || points[0].Value != datapoint.Number(6) {
		t.Fatalf("unexpected emission %+v", points)
	}

	cancel()
	for range data {
	}
}

func TestEventsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []audit.Event{
		audit.NewGranted("steps", capability.CollectData, "user"),
		audit.NewViolation("steps", audit.KindOwnership, audit.SeverityHigh, "read mood data"),
		audit.NewDataAccess("mood", audit.AccessRead, 3, "mood"),
	}
	for i := range events {
		events[i].ID = fmt.Sprintf("ev-%d", i)
		events[i].Seq = uint64(i + 1)
		events[i].At = base.Add(time.Duration(i) * time.Minute)
		if err := s.WriteEvent(ctx, events[i]); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	// Duplicate delivery is ignored.
	if err := s.WriteEvent(ctx, events[0]); err != nil {
		t.Fatalf("WriteEvent duplicate: %v", err)
	}

	all, err := s.LoadEvents(ctx, time.Time{})
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	v, ok := all[1].Violation()
	if !ok || v.Severity != audit.SeverityHigh || v.Kind != audit.KindOwnership {
		t.Fatalf("unexpected violation %+v", all[1])
	}
	if !all[2].At.Equal(events[2].At) {
		t.Fatalf("At = %v, want %v", all[2].At, events[2].At)
	}

	recent, err := s.LoadEvents(ctx, base.Add(time.Minute))
	if err != nil || len(recent) != 2 {
		t.Fatalf("LoadEvents since = %d, %v", len(recent), err)
	}

	steps, err := s.QueryEvents(ctx, EventFilter{PluginID: "steps", Limit: 1})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(steps) != 1 || steps[0].ID != "ev-1" {
		t.Fatalf("expected newest steps event, got %+v", steps)
	}

	denied, err := s.QueryEvents(ctx, EventFilter{Type: audit.TypePermissionDenied})
	if err != nil || len(denied) != 0 {
		t.Fatalf("QueryEvents denied = %d, %v", len(denied), err)
	}
}

func TestReadOnlyStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "vault.db")

	rw, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dp := datapoint.New("mood", "mood.score", datapoint.Text("calm"))
	if err := rw.SaveDataPoint(ctx, dp); err != nil {
		t.Fatalf("SaveDataPoint: %v", err)
	}
	rw.Close()

	ro, err := Open(Options{DBPath: dbPath, ReadOnly: true})
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	points, err := ro.ListDataPoints(ctx, "mood")
	if err != nil || len(points) != 1 || points[0].Value != datapoint.Text("calm") {
		t.Fatalf("ListDataPoints = %+v, %v", points, err)
	}
	if err := ro.SaveDataPoint(ctx, datapoint.New("mood", "mood.score", datapoint.Number(1))); err == nil {
		t.Fatal("expected write to fail on read-only store")
	}
}

func TestOpenRefusesToReplaceLostKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "vault.db")

	s, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveDataPoint(ctx, datapoint.New("mood", "mood.score", datapoint.Number(1))); err != nil {
		t.Fatalf("SaveDataPoint: %v", err)
	}
	s.Close()

	if err := os.Remove(storecrypto.KeyPath(dbPath)); err != nil {
		t.Fatalf("remove key: %v", err)
	}
	if _, err := Open(Options{DBPath: dbPath}); err == nil {
		t.Fatal("expected open to fail without the key")
	}
}
