package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/datapoint"
	"github.com/nupi-ai/habitvault/internal/ledger"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
)

type memoryData struct {
	mu      sync.Mutex
	points  map[string]datapoint.DataPoint
	version int
	failErr error
	// beforeSave runs inside SaveDataPoint with the lock held.
	beforeSave func(points map[string]datapoint.DataPoint)
}

func newMemoryData() *memoryData {
	return &memoryData{points: make(map[string]datapoint.DataPoint)}
}

func (m *memoryData) SaveDataPoint(_ context.Context, dp datapoint.DataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if m.beforeSave != nil {
		m.beforeSave(m.points)
	}
	if prev, ok := m.points[dp.ID]; ok && prev.PluginID != dp.PluginID {
		return fmt.Errorf("save %s: %w", dp.ID, datapoint.ErrForeignID)
	}
	m.points[dp.ID] = dp
	m.version++
	return nil
}

func (m *memoryData) list(pluginID string) ([]datapoint.DataPoint, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datapoint.DataPoint
	for _, dp := range m.points {
		if dp.PluginID == pluginID {
			out = append(out, dp)
		}
	}
	return out, m.version
}

func (m *memoryData) WatchDataPoints(ctx context.Context, pluginID string, interval time.Duration) (<-chan []datapoint.DataPoint, <-chan error, error) {
	data := make(chan []datapoint.DataPoint)
	errs := make(chan error, 1)
	go func() {
		defer close(data)
		last := -1
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.mu.Lock()
			failErr := m.failErr
			m.mu.Unlock()
			if failErr != nil {
				errs <- failErr
				return
			}
			points, version := m.list(pluginID)
			if version != last {
				last = version
				select {
				case data <- points:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return data, errs, nil
}

func (m *memoryData) CountDataPoints(_ context.Context, pluginID string) (int, error) {
	points, _ := m.list(pluginID)
	return len(points), nil
}

func (m *memoryData) DeleteDataPoints(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.points[id]; ok {
			delete(m.points, id)
			n++
		}
	}
	m.version++
	return n, nil
}

func (m *memoryData) DataPointOwners(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, id := range ids {
		if dp, ok := m.points[id]; ok {
			out[id] = dp.PluginID
		}
	}
	return out, nil
}

type manifestMap map[string]manifest.SecurityManifest

func (m manifestMap) Manifest(id string) (manifest.SecurityManifest, bool) {
	sec, ok := m[id]
	return sec, ok
}

type fixture struct {
	gw      *Gateway
	ledger  *ledger.Ledger
	monitor *audit.Monitor
	data    *memoryData
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	all := capability.All()
	sec, err := manifest.NewSecurityManifest(all, manifest.SensitivityPersonal, manifest.ScopeShared, manifest.RetentionPolicy{}, "test")
	if err != nil {
		t.Fatalf("NewSecurityManifest: %v", err)
	}
	manifests := manifestMap{"water": sec, "mood": sec, "a": sec, "b": sec}
	monitor := audit.NewMonitor()
	l := ledger.New(ledger.NewMemoryStore(), manifests, nil)
	data := newMemoryData()
	opts = append([]Option{WithWatchInterval(5 * time.Millisecond)}, opts...)
	return &fixture{gw: New(data, l, monitor, opts...), ledger: l, monitor: monitor, data: data}
}

func (f *fixture) grant(t *testing.T, pluginID string, caps ...capability.Capability) {
	t.Helper()
	if _, err := f.ledger.Grant(context.Background(), pluginID, capability.NewSet(caps...), "test"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func (f *fixture) events() []audit.Event {
	return f.monitor.Snapshot().Events
}

func TestSaveRejectsForeignOwnershipRegardlessOfCapabilities(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "mood", capability.All()...)

	err := f.gw.Save(context.Background(), "mood", datapoint.New("water", "water.glasses", datapoint.Number(1)))
	var ownErr *authz.OwnershipViolationError
	if !errors.As(err, &ownErr) {
		t.Fatalf("expected OwnershipViolationError, got %v", err)
	}
	if ownErr.OwnerID != "water" {
		t.Fatalf("owner = %q", ownErr.OwnerID)
	}

	events := f.events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	v, ok := events[0].Violation()
	if !ok || v.Severity != audit.SeverityHigh || events[0].PluginID != "mood" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if n, _ := f.data.CountDataPoints(context.Background(), "water"); n != 0 {
		t.Fatal("foreign record must not be stored")
	}
}

func TestSaveRequiresCollectData(t *testing.T) {
	f := newFixture(t)
	err := f.gw.Save(context.Background(), "water", datapoint.New("water", "water.glasses", datapoint.Number(1)))
	var denied *authz.PermissionDeniedError
	if !errors.As(err, &denied) || denied.Capability != capability.CollectData {
		t.Fatalf("expected denial for collect_data, got %v", err)
	}
	events := f.events()
	if len(events) != 1 || events[0].Type() != audit.TypePermissionDenied {
		t.Fatalf("expected one denial event, got %+v", events)
	}
}

func TestSaveSuccessRecordsAccessAndNotifiesHook(t *testing.T) {
	var hooked []string
	f := newFixture(t, WithCollectionHook(func(id string, _ time.Time) { hooked = append(hooked, id) }))
	f.grant(t, "water", capability.CollectData)

	if err := f.gw.Save(context.Background(), "water", datapoint.New("water", "water.glasses", datapoint.Number(2))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	events := f.events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	access, ok := events[0].Body.(audit.DataAccess)
	if !ok || access.AccessType != audit.AccessWrite || access.RecordCount != 1 {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if len(hooked) != 1 || hooked[0] != "water" {
		t.Fatalf("hook calls = %v", hooked)
	}
}

func TestSaveRejectsMalformedValue(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "water", capability.CollectData)

	bad := datapoint.New("water", "water.glasses", datapoint.Choice{Selected: "x"})
	err := f.gw.Save(context.Background(), "water", bad)
	if !errors.Is(err, authz.ErrSecurityViolation) {
		t.Fatalf("expected security violation, got %v", err)
	}
	events := f.events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if v, ok := events[0].Violation(); !ok || v.Kind != audit.KindMalformedData || v.Severity != audit.SeverityMedium {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestSaveRejectsReusedForeignID(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "water", capability.CollectData)
	f.grant(t, "mood", capability.CollectData)

	original := datapoint.New("water", "water.glasses", datapoint.Number(3))
	if err := f.gw.Save(context.Background(), "water", original); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before := len(f.events())

	hijack := datapoint.New("mood", "mood.score", datapoint.Number(1))
	hijack.ID = original.ID
	err := f.gw.Save(context.Background(), "mood", hijack)
	var ownErr *authz.OwnershipViolationError
	if !errors.As(err, &ownErr) || ownErr.OwnerID != "water" {
		t.Fatalf("expected OwnershipViolationError naming water, got %v", err)
	}

	events := f.events()[before:]
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if v, ok := events[0].Violation(); !ok || v.Kind != audit.KindOwnership {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if n, _ := f.data.CountDataPoints(context.Background(), "water"); n != 1 {
		t.Fatalf("water record must survive, count = %d", n)
	}
}

func TestSaveStorageFailureIsNotSecurityFailure(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "water", capability.CollectData)
	f.data.failErr = errors.New("disk full")

	err := f.gw.Save(context.Background(), "water", datapoint.New("water", "water.glasses", datapoint.Number(1)))
	if !authz.IsStorage(err) || authz.IsPermissionDenied(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestSaveRacingForeignInsertIsOwnershipViolation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "water", capability.CollectData)
	dp := datapoint.New("water", "water.glasses", datapoint.Number(1))
	f.data.beforeSave = func(points map[string]datapoint.DataPoint) {
		points[dp.ID] = datapoint.DataPoint{ID: dp.ID, PluginID: "mood", Metric: "mood.score", Value: datapoint.Number(3)}
	}
	before := len(f.events())

	err := f.gw.Save(context.Background(), "water", dp)
	var ownErr *authz.OwnershipViolationError
	if !errors.As(err, &ownErr) {
		t.Fatalf("expected OwnershipViolationError, got %v", err)
	}
	if ownErr.OwnerID != "mood" || authz.IsStorage(err) {
		t.Fatalf("unexpected error %+v", ownErr)
	}
	events := f.events()[before:]
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d: %+v", len(events), events)
	}
	v, ok := events[0].Violation()
	if !ok || v.Kind != audit.KindOwnership || v.Severity != audit.SeverityHigh || events[0].PluginID != "water" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestSaveStorageFailureRecordsOneAccessEvent(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "water", capability.CollectData)
	f.data.failErr = errors.New("disk full")
	before := len(f.events())

	if err := f.gw.Save(context.Background(), "water", datapoint.New("water", "water.glasses", datapoint.Number(1))); !authz.IsStorage(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
	events := f.events()[before:]
	if len(events) != 1 {
		t.Fatalf("expected one event, got %+v", events)
	}
	access, ok := events[0].Body.(audit.DataAccess)
	if !ok || access.AccessType != audit.AccessWrite || access.RecordCount != 0 {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestCountDeniedReturnsZero(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "b", capability.CollectData)
	if err := f.gw.Save(context.Background(), "b", datapoint.New("b", "steps", datapoint.Number(10))); err != nil {
		t.Fatal(err)
	}
	before := len(f.events())

	n, err := f.gw.Count(context.Background(), "a", "b")
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v; want 0, nil", n, err)
	}
	events := f.events()[before:]
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	denied, ok := events[0].Body.(audit.PermissionDenied)
	if !ok || denied.Capability != capability.ReadAllData || events[0].PluginID != "a" {
		t.Fatalf("unexpected event %+v", events[0])
	}

	f.grant(t, "a", capability.ReadAllData)
	if n, err := f.gw.Count(context.Background(), "a", "b"); err != nil || n != 1 {
		t.Fatalf("authorised Count = %d, %v", n, err)
	}
}

func TestCountOwnRequiresReadOwn(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "a", capability.ReadAllData)
	if n, err := f.gw.Count(context.Background(), "a", "a"); n != 0 || err != nil {
		t.Fatalf("Count = %d, %v", n, err)
	}
	ev := f.events()[len(f.events())-1]
	if denied, ok := ev.Body.(audit.PermissionDenied); !ok || denied.Capability != capability.ReadOwnData {
		t.Fatalf("expected read_own_data denial, got %+v", ev)
	}
}

func TestReadOtherDeniedFailsFast(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "a", capability.ReadOwnData)

	sub, err := f.gw.ReadOther(context.Background(), "a", "b")
	if sub != nil || !authz.IsPermissionDenied(err) {
		t.Fatalf("expected immediate denial, got %v, %v", sub, err)
	}
}

func TestReadOwnStreamsBatches(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "water", capability.CollectData, capability.ReadOwnData)
	ctx := context.Background()

	if err := f.gw.Save(ctx, "water", datapoint.New("water", "water.glasses", datapoint.Number(1))); err != nil {
		t.Fatal(err)
	}
	sub, err := f.gw.ReadOwn(ctx, "water")
	if err != nil {
		t.Fatalf("ReadOwn: %v", err)
	}
	defer sub.Close()

	first := receive(t, sub)
	if len(first) != 1 {
		t.Fatalf("initial batch has %d records", len(first))
	}

	// Revocation after subscribing does not cut the stream.
	if _, err := f.ledger.Revoke(ctx, "water", nil, "test"); err != nil {
		t.Fatal(err)
	}
	f.grant(t, "water", capability.CollectData)
	if err := f.gw.Save(ctx, "water", datapoint.New("water", "water.glasses", datapoint.Number(2))); err != nil {
		t.Fatal(err)
	}
	if second := receive(t, sub); len(second) != 2 {
		t.Fatalf("second batch has %d records", len(second))
	}

	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after Close")
	}
	if sub.Err() != nil {
		t.Fatalf("unexpected error %v", sub.Err())
	}
}

func TestSubscriptionReportsStoreError(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "water", capability.ReadOwnData)
	sub, err := f.gw.ReadOwn(context.Background(), "water")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	receive(t, sub)

	f.data.mu.Lock()
	f.data.failErr = errors.New("database locked")
	f.data.mu.Unlock()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				if !authz.IsStorage(sub.Err()) {
					t.Fatalf("expected storage error, got %v", sub.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription did not end")
		}
	}
}

func TestDeleteBlocksCrossPluginIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "water", capability.CollectData, capability.DeleteData)
	f.grant(t, "mood", capability.CollectData, capability.DeleteData)

	own := datapoint.New("water", "water.glasses", datapoint.Number(1))
	other := datapoint.New("mood", "mood.score", datapoint.Number(3))
	for _, dp := range []datapoint.DataPoint{own, other} {
		if err := f.gw.Save(ctx, dp.PluginID, dp); err != nil {
			t.Fatal(err)
		}
	}
	before := len(f.events())

	n, err := f.gw.Delete(ctx, "water", []string{own.ID, other.ID})
	if n != 0 || !authz.IsOwnershipViolation(err) {
		t.Fatalf("Delete = %d, %v", n, err)
	}
	events := f.events()[before:]
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if v, ok := events[0].Violation(); !ok || v.Kind != audit.KindCrossPluginDelete || v.Severity != audit.SeverityHigh {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if c, _ := f.data.CountDataPoints(ctx, "water"); c != 1 {
		t.Fatal("nothing may be deleted when a foreign id is present")
	}

	n, err = f.gw.Delete(ctx, "water", []string{own.ID, "unknown-id"})
	if err != nil || n != 1 {
		t.Fatalf("own delete = %d, %v", n, err)
	}
}

func TestDeleteRequiresCapability(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Delete(context.Background(), "water", []string{"x"})
	if !authz.IsPermissionDenied(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	if len(f.events()) != 1 {
		t.Fatalf("expected one event, got %d", len(f.events()))
	}
}

func TestCancelledContextEmitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.gw.Save(ctx, "mood", datapoint.New("water", "m", datapoint.Number(1))); !errors.Is(err, context.Canceled) {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.gw.Count(ctx, "a", "b"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Count: %v", err)
	}
	if len(f.events()) != 0 {
		t.Fatalf("expected no events, got %d", len(f.events()))
	}
}

func receive(t *testing.T, sub *Subscription) []datapoint.DataPoint {
	t.Helper()
	select {
	case batch, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed early: %v", sub.Err())
		}
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}
