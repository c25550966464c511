package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/eventbus"
)

func TestRecordStampsEvents(t *testing.T) {
	m := NewMonitor()

	first := m.Record(NewDenied("water", capability.CollectData, "not granted"))
	second := m.Record(NewGranted("water", capability.CollectData, "user"))

	if first.ID == "" || first.At.IsZero() {
		t.Fatalf("expected id and time to be stamped: %+v", first)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected sequence numbers %d, %d", first.Seq, second.Seq)
	}
	snap := m.Snapshot()
	if len(snap.Events) != 2 || snap.Total != 2 {
		t.Fatalf("snapshot has %d events, total %d", len(snap.Events), snap.Total)
	}
}

func TestRecordIgnoresEventWithoutBody(t *testing.T) {
	m := NewMonitor()
	m.Record(Event{PluginID: "water"})
	if m.Snapshot().Total != 0 {
		t.Fatal("event without body must not be recorded")
	}
}

func TestViolationViews(t *testing.T) {
	m := NewMonitor()
	m.Record(NewViolation("mood", KindOwnership, SeverityHigh, "wrote water data"))
	m.Record(NewViolation("mood", KindMalformedData, SeverityMedium, "bad value"))
	m.Record(NewViolation("sleep", KindMalformedData, SeverityLow, "bad value"))
	m.Record(NewDataAccess("sleep", AccessRead, 0, "sleep"))

	snap := m.Snapshot()
	if got := len(snap.Violations["mood"]); got != 2 {
		t.Fatalf("mood violations = %d, want 2", got)
	}
	if snap.HighRiskCount() != 1 || snap.HighRiskPlugins[0] != "mood" {
		t.Fatalf("high risk plugins = %v", snap.HighRiskPlugins)
	}
	if snap.SeverityCounts[SeverityHigh] != 1 || snap.SeverityCounts[SeverityMedium] != 1 || snap.SeverityCounts[SeverityLow] != 1 {
		t.Fatalf("severity counts = %v", snap.SeverityCounts)
	}

	if n := m.ClearViolations("mood"); n != 2 {
		t.Fatalf("ClearViolations = %d, want 2", n)
	}
	after := m.Snapshot()
	if after.HighRiskCount() != 0 {
		t.Fatalf("expected no high risk plugins after clearing, got %v", after.HighRiskPlugins)
	}
	if len(after.Events) != 4 {
		t.Fatalf("clearing violations must not touch the log, have %d events", len(after.Events))
	}
	if len(snap.Violations["mood"]) != 2 {
		t.Fatal("earlier snapshot was mutated")
	}
}

func TestRetentionByCountAndAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(WithRetention(3, time.Hour), WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		m.Record(NewDataAccess("water", AccessWrite, 1, "water"))
	}
	snap := m.Snapshot()
	if len(snap.Events) != 3 || snap.Events[0].Seq != 3 {
		t.Fatalf("expected last 3 events, got %d starting at %d", len(snap.Events), snap.Events[0].Seq)
	}

	now = now.Add(2 * time.Hour)
	m.Record(NewDataAccess("water", AccessWrite, 1, "water"))
	snap = m.Snapshot()
	if len(snap.Events) != 1 || snap.Total != 6 {
		t.Fatalf("expected aged events to expire, got %d events total %d", len(snap.Events), snap.Total)
	}
}

func TestConcurrentRecordKeepsPerPluginOrder(t *testing.T) {
	m := NewMonitor(WithRetention(10000, -1))
	const perPlugin = 200
	plugins := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, id := range plugins {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perPlugin; i++ {
				m.Record(NewDataAccess(id, AccessWrite, i, id))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range plugins {
		events := m.EventsFor(id)
		if len(events) != perPlugin {
			t.Fatalf("plugin %s has %d events", id, len(events))
		}
		for i, ev := range events {
			if ev.Body.(DataAccess).RecordCount != i {
				t.Fatalf("plugin %s event %d out of order", id, i)
			}
		}
	}
}

func TestAttachDeliversToSink(t *testing.T) {
	bus := eventbus.New()
	m := NewMonitor(WithBus(bus))
	m.Record(NewDenied("water", capability.ReadAllData, "before attach"))

	var mu sync.Mutex
	var got []Event
	err := m.Attach("memory", SinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	}))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("disk full") })
	if err := m.Attach("failing", failing); err != nil {
		t.Fatalf("Attach failing sink: %v", err)
	}

	for i := 0; i < 10; i++ {
		m.Record(NewDataAccess("water", AccessWrite, 1, fmt.Sprint(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("sink received %d events, want 10", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+2) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestAttachWithoutBus(t *testing.T) {
	m := NewMonitor()
	var seen atomic.Int64
	if err := m.Attach("x", SinkFunc(func(context.Context, Event) error {
		seen.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m.Record(NewDataAccess("water", AccessRead, 0, "water"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if seen.Load() != 1 {
		t.Fatalf("sink saw %d events, want 1", seen.Load())
	}
}

func TestSlowSinkKeepsEveryEventInOrder(t *testing.T) {
	const total = 3000
	m := NewMonitor(WithBus(eventbus.New()), WithRetention(10, 0))

	release := make(chan struct{})
	var mu sync.Mutex
	var got []uint64
	err := m.Attach("slow", SinkFunc(func(_ context.Context, ev Event) error {
		<-release
		mu.Lock()
		got = append(got, ev.Seq)
		mu.Unlock()
		return nil
	}))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	for i := 0; i < total; i++ {
		m.Record(NewDataAccess(fmt.Sprintf("p%d", i%3), AccessWrite, i, ""))
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != total {
		t.Fatalf("sink saw %d events, want %d", len(got), total)
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, seq, i+1)
		}
	}
}

func TestResumeAtSkipsPersistedSequence(t *testing.T) {
	m := NewMonitor()
	m.Restore(nil)
	m.ResumeAt(500)
	m.ResumeAt(20)

	if ev := m.Record(NewDataAccess("water", AccessRead, 0, "water")); ev.Seq != 501 {
		t.Fatalf("seq = %d, want 501", ev.Seq)
	}
	if total := m.Snapshot().Total; total != 501 {
		t.Fatalf("total = %d, want 501", total)
	}
}

func TestResumeAtAfterAttachDoesNotStallFlush(t *testing.T) {
	m := NewMonitor()
	if err := m.Attach("noop", SinkFunc(func(context.Context, Event) error { return nil })); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m.ResumeAt(42)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestRestoreContinuesSequence(t *testing.T) {
	m := NewMonitor()
	m.Restore([]Event{
		{ID: "b", Seq: 7, PluginID: "water", At: time.Now().UTC(), Body: Violation{Kind: KindOwnership, Severity: SeverityCritical}},
		{ID: "a", Seq: 3, PluginID: "water", At: time.Now().UTC(), Body: PermissionGranted{Capability: capability.CollectData, GrantedBy: "user"}},
	})
	ev := m.Record(NewDataAccess("water", AccessRead, 0, "water"))
	if ev.Seq != 8 {
		t.Fatalf("seq = %d, want 8", ev.Seq)
	}
	snap := m.Snapshot()
	if snap.Events[0].ID != "a" || snap.HighRiskCount() != 1 {
		t.Fatalf("unexpected restored snapshot %+v", snap)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	m := NewMonitor()
	events := []Event{
		m.Record(NewViolation("mood", KindOwnership, SeverityHigh, "detail")),
		m.Record(NewDenied("mood", capability.Microphone, "consent")),
		m.Record(NewGranted("mood", capability.CollectData, "user")),
		m.Record(NewRevoked("mood", capability.CollectData, "user")),
		m.Record(NewDataAccess("mood", AccessDelete, 3, "mood")),
	}
	for _, ev := range events {
		back, err := EntryOf(ev).Event()
		if err != nil {
			t.Fatalf("Event(): %v", err)
		}
		if back.Body != ev.Body || back.Seq != ev.Seq || !back.At.Equal(ev.At) {
			t.Fatalf("round trip mismatch: %+v vs %+v", back, ev)
		}
	}
	if _, err := (Entry{Type: "nope", At: EntryOf(events[0]).At}).Event(); err == nil {
		t.Fatal("expected unknown type error")
	}
}
