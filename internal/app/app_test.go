package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/config"
	"github.com/nupi-ai/habitvault/internal/datapoint"
	"github.com/nupi-ai/habitvault/internal/plugins"
)

func manifestYAML(id, trust string, caps ...string) string {
	return fmt.Sprintf(`apiVersion: habitvault.io/v1
kind: Plugin
metadata:
  id: %s
  name: %s
  version: 1.0.0
trust: %s
security:
  capabilities: [%s]
  sensitivity: personal
  accessScope: shared
  privacy: Readings stay on this device.
`, id, id, trust, strings.Join(caps, ", "))
}

func writePlugin(t *testing.T, pluginDir, id, content string) {
	t.Helper()
	dir := filepath.Join(pluginDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func seedPlugins(t *testing.T, home string) {
	t.Helper()
	pluginDir := filepath.Join(home, "plugins")
	writePlugin(t, pluginDir, "water", manifestYAML("water", "official", "collect_data", "read_own_data", "local_storage"))
	writePlugin(t, pluginDir, "thirdparty", manifestYAML("thirdparty", "community", "network_access"))
	writePlugin(t, pluginDir, "mood", manifestYAML("mood", "official", "collect_data", "read_own_data"))
	writePlugin(t, pluginDir, "a", manifestYAML("a", "official", "collect_data", "read_own_data"))
	writePlugin(t, pluginDir, "b", manifestYAML("b", "official", "collect_data", "read_own_data"))
}

func openApp(t *testing.T, home string) *App {
	t.Helper()
	a, err := Open(context.Background(), Options{Home: home, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func closeApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func eventsOf(a *App, pluginID string, typ audit.EventType) []audit.Event {
	var out []audit.Event
	for _, ev := range a.Monitor.EventsFor(pluginID) {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestVaultScenarios(t *testing.T) {
	home := t.TempDir()
	seedPlugins(t, home)
	a := openApp(t, home)
	defer closeApp(t, a)
	ctx := context.Background()

	if a.Registry.Len() != 5 {
		t.Fatalf("expected 5 registered plugins, got %d", a.Registry.Len())
	}

	t.Run("official plugin enables with auto grants", func(t *testing.T) {
		st, err := a.Controller.Enable(ctx, "water")
		if err != nil {
			t.Fatalf("Enable: %v", err)
		}
		if !st.IsEnabled {
			t.Fatal("water should be enabled")
		}
		if got := a.Ledger.Granted("water"); got.Len() != 3 {
			t.Fatalf("expected 3 grants, got %s", got)
		}
		if n := len(eventsOf(a, "water", audit.TypeViolation)); n != 0 {
			t.Fatalf("expected no violations, got %d", n)
		}
	})

	t.Run("community plugin needs consent", func(t *testing.T) {
		_, err := a.Controller.Enable(ctx, "thirdparty")
		if !authz.IsPermissionDenied(err) {
			t.Fatalf("expected permission denied, got %v", err)
		}
		st, _ := a.Controller.State("thirdparty")
		if st.IsEnabled {
			t.Fatal("thirdparty must stay disabled")
		}
		denied := eventsOf(a, "thirdparty", audit.TypePermissionDenied)
		if len(denied) != 1 {
			t.Fatalf("expected one denial, got %d", len(denied))
		}
		if body := denied[0].Body.(audit.PermissionDenied); body.Capability != capability.NetworkAccess {
			t.Fatalf("denied capability = %s", body.Capability)
		}
	})

	t.Run("saving another plugin's data is an ownership violation", func(t *testing.T) {
		if _, err := a.Controller.Enable(ctx, "mood"); err != nil {
			t.Fatalf("Enable mood: %v", err)
		}
		err := a.Gateway.Save(ctx, "mood", datapoint.New("water", "water.glasses", datapoint.Number(2)))
		if !authz.IsOwnershipViolation(err) {
			t.Fatalf("expected ownership violation, got %v", err)
		}
		violations := eventsOf(a, "mood", audit.TypeViolation)
		if len(violations) != 1 {
			t.Fatalf("expected one violation, got %d", len(violations))
		}
		if v, _ := violations[0].Violation(); v.Severity != audit.SeverityHigh {
			t.Fatalf("severity = %s", v.Severity)
		}
	})

	t.Run("count without read_all_data returns zero", func(t *testing.T) {
		for _, id := range []string{"a", "b"} {
			if _, err := a.Controller.Enable(ctx, id); err != nil {
				t.Fatalf("Enable %s: %v", id, err)
			}
		}
		if err := a.Gateway.Save(ctx, "b", datapoint.New("b", "steps", datapoint.Number(1200))); err != nil {
			t.Fatalf("Save: %v", err)
		}
		n, err := a.Gateway.Count(ctx, "a", "b")
		if err != nil || n != 0 {
			t.Fatalf("Count = %d, %v; want 0, nil", n, err)
		}
		if got := len(eventsOf(a, "a", audit.TypePermissionDenied)); got != 1 {
			t.Fatalf("expected one denial for a, got %d", got)
		}
	})

	t.Run("revoked capability blocks saves", func(t *testing.T) {
		revoke := capability.NewSet(capability.CollectData)
		if _, err := a.Ledger.Revoke(ctx, "water", &revoke, "user"); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		before := len(eventsOf(a, "water", audit.TypePermissionDenied))
		err := a.Gateway.Save(ctx, "water", datapoint.New("water", "water.glasses", datapoint.Number(1)))
		var denied *authz.PermissionDeniedError
		if !errors.As(err, &denied) || denied.Capability != capability.CollectData {
			t.Fatalf("expected denial for collect_data, got %v", err)
		}
		if after := len(eventsOf(a, "water", audit.TypePermissionDenied)); after != before+1 {
			t.Fatalf("expected one new denial, got %d", after-before)
		}
	})

	t.Run("disable keeps grants by default", func(t *testing.T) {
		before := a.Ledger.Granted("water")
		st, err := a.Controller.Disable(ctx, "water")
		if err != nil {
			t.Fatalf("Disable: %v", err)
		}
		if st.IsEnabled {
			t.Fatal("water should be disabled")
		}
		if got := a.Ledger.Granted("water"); !got.Equal(before) {
			t.Fatalf("grants changed: %s -> %s", before, got)
		}
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	home := t.TempDir()
	seedPlugins(t, home)
	ctx := context.Background()

	a := openApp(t, home)
	if _, err := a.Controller.Enable(ctx, "water"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := a.Gateway.Save(ctx, "water", datapoint.New("water", "water.glasses", datapoint.Number(3))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := a.Gateway.Save(ctx, "mood", datapoint.New("water", "water.glasses", datapoint.Number(1))); err == nil {
		t.Fatal("expected foreign save to fail")
	}
	total := a.Monitor.Snapshot().Total
	closeApp(t, a)

	b := openApp(t, home)
	defer closeApp(t, b)

	st, ok := b.Controller.State("water")
	if !ok || !st.IsEnabled || st.LastCollectionAt.IsZero() {
		t.Fatalf("unexpected restored state %+v", st)
	}
	if got := b.Ledger.Granted("water"); got.Len() != 3 {
		t.Fatalf("expected 3 restored grants, got %s", got)
	}
	snap := b.Monitor.Snapshot()
	if len(snap.Violations["mood"]) != 1 {
		t.Fatalf("expected restored violation for mood, got %+v", snap.Violations)
	}
	if snap.Total != total {
		t.Fatalf("sequence should resume at %d, got %d", total, snap.Total)
	}
	if n, err := b.Gateway.Count(ctx, "water", "water"); err != nil || n != 1 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	access := eventsOf(b, "water", audit.TypeDataAccess)
	if last := access[len(access)-1]; last.Seq != total+1 {
		t.Fatalf("first event after reopen has seq %d, want %d", last.Seq, total+1)
	}

	if res := audit.VerifyChain(b.Paths.AuditLog); !res.Valid {
		t.Fatalf("audit chain invalid: %+v", res)
	}
}

func TestSequenceResumesPastRetentionWindow(t *testing.T) {
	home := t.TempDir()
	seedPlugins(t, home)
	ctx := context.Background()

	policy := config.DefaultPolicy()
	policy.Monitor.RetainFor = 24 * time.Hour
	open := func() *App {
		a, err := Open(ctx, Options{Home: home, Policy: &policy, Logger: log.New(io.Discard, "", 0)})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return a
	}

	a := open()
	old := audit.Event{
		ID:       "old-event",
		Seq:      500,
		PluginID: "water",
		At:       time.Now().Add(-60 * 24 * time.Hour).UTC(),
		Body:     audit.DataAccess{AccessType: audit.AccessRead, Target: "water"},
	}
	if err := a.Store.WriteEvent(ctx, old); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	closeApp(t, a)

	b := open()
	defer closeApp(t, b)
	if n := len(b.Monitor.Snapshot().Events); n != 0 {
		t.Fatalf("expired event restored into window: %d events", n)
	}
	ev := b.Monitor.Record(audit.NewDataAccess("water", audit.AccessRead, 0, "water"))
	if ev.Seq != 501 {
		t.Fatalf("new event seq = %d, want 501", ev.Seq)
	}
}

func TestInstallRegistersPlugin(t *testing.T) {
	home := t.TempDir()
	a := openApp(t, home)
	defer closeApp(t, a)

	src := filepath.Join(t.TempDir(), "sleep")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "plugin.yaml"), []byte(manifestYAML("sleep", "community", "collect_data")), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := a.Install(context.Background(), src)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if d.Outcome != plugins.OutcomeRegistered || d.PluginID != "sleep" {
		t.Fatalf("unexpected discovery %+v", d)
	}
	if _, ok := a.Controller.State("sleep"); !ok {
		t.Fatal("installed plugin has no runtime state")
	}
	if _, err := a.Install(context.Background(), src); err == nil {
		t.Fatal("expected second install to fail")
	}
}

func TestMetricsExport(t *testing.T) {
	home := t.TempDir()
	seedPlugins(t, home)
	a := openApp(t, home)
	defer closeApp(t, a)

	if _, err := a.Controller.Enable(context.Background(), "water"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Monitor.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	out := string(a.Metrics.Export())
	for _, want := range []string{
		`habitvault_security_events_total{type="permission_granted"} 3`,
		`habitvault_plugins{state="enabled"} 1`,
		`habitvault_plugins_discovery_warnings 0`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics:\n%s", want, out)
		}
	}
}
