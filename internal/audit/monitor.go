package audit

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nupi-ai/habitvault/internal/eventbus"
)

const (
	DefaultRetainEvents = 1000
	DefaultRetainFor    = 30 * 24 * time.Hour
)

// Snapshot is an immutable view of the monitor state. Slices and maps must
// not be modified by readers.
type Snapshot struct {
	// Events holds the retained window ordered by arrival.
	Events []Event
	// Violations holds active violation events grouped by plugin.
	Violations map[string][]Event
	// SeverityCounts counts active violations by severity.
	SeverityCounts map[Severity]int
	// HighRiskPlugins lists plugins with at least one active High or
	// Critical violation, sorted.
	HighRiskPlugins []string
	// Total counts every event ever recorded, including expired ones.
	Total uint64
}

// HighRiskCount is len(HighRiskPlugins).
func (s Snapshot) HighRiskCount() int { return len(s.HighRiskPlugins) }

// Monitor is the append-only security event log. Record serialises
// writers; Snapshot never blocks.
type Monitor struct {
	logger    *log.Logger
	bus       *eventbus.Bus
	now       func() time.Time
	retainN   int
	retainFor time.Duration

	mu         sync.Mutex
	seq        uint64
	events     []Event
	violations map[string][]Event

	snap atomic.Pointer[Snapshot]

	lc          eventbus.ServiceLifecycle
	attachments []*attachment
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBus publishes every recorded event on bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithLogger overrides the logger used for sink errors.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRetention caps the retained event window by count and age. Zero
// values keep the defaults; a negative age disables age-based expiry.
func WithRetention(maxEvents int, maxAge time.Duration) Option {
	return func(m *Monitor) {
		if maxEvents > 0 {
			m.retainN = maxEvents
		}
		if maxAge != 0 {
			m.retainFor = maxAge
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor constructs an empty monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		logger:     log.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		retainN:    DefaultRetainEvents,
		retainFor:  DefaultRetainFor,
		violations: make(map[string][]Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lc.Start(context.Background())
	m.snap.Store(&Snapshot{Violations: map[string][]Event{}, SeverityCounts: map[Severity]int{}})
	return m
}

// Record stamps ev with an id, sequence number and time, appends it and
// publishes it. The stamped event is returned.
func (m *Monitor) Record(ev Event) Event {
	if ev.Body == nil {
		m.logger.Printf("[Monitor] ignoring event without body for plugin %s", ev.PluginID)
		return ev
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ev.Seq = m.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}

	m.events = append(m.events, ev)
	m.expireLocked(ev.At)

	violationsChanged := false
	if _, ok := ev.Body.(Violation); ok {
		m.violations[ev.PluginID] = append(m.violations[ev.PluginID], ev)
		violationsChanged = true
	}
	m.publishLocked(violationsChanged)

	for _, a := range m.attachments {
		a.push(ev)
	}
	// Publishing under the lock keeps bus order equal to Seq order.
	eventbus.Publish(context.Background(), m.bus, TopicEvents, eventbus.SourceMonitor, ev)
	return ev
}

// Restore seeds the log with previously persisted events without
// publishing them. Sequence numbering continues after the highest Seq.
func (m *Monitor) Restore(events []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	for _, ev := range sorted {
		if ev.Body == nil {
			continue
		}
		if ev.Seq > m.seq {
			m.seq = ev.Seq
		}
		m.events = append(m.events, ev)
		if _, ok := ev.Body.(Violation); ok {
			m.violations[ev.PluginID] = append(m.violations[ev.PluginID], ev)
		}
	}
	m.expireLocked(m.now())
	m.publishLocked(true)
}

// ResumeAt raises the sequence counter to seq so the next event is
// numbered after it. Persisted events outside the retained window still
// own their numbers. A lower seq is ignored.
func (m *Monitor) ResumeAt(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.seq {
		return
	}
	m.seq = seq
	for _, a := range m.attachments {
		a.markSeen(seq)
	}
	m.publishLocked(false)
}

// Snapshot returns the current consistent view.
func (m *Monitor) Snapshot() Snapshot {
	return *m.snap.Load()
}

// EventsFor returns the retained events of one plugin in arrival order.
func (m *Monitor) EventsFor(pluginID string) []Event {
	var out []Event
	for _, ev := range m.Snapshot().Events {
		if ev.PluginID == pluginID {
			out = append(out, ev)
		}
	}
	return out
}

// ClearViolations acknowledges the active violations of pluginID. The log
// itself is untouched. It returns how many were cleared.
func (m *Monitor) ClearViolations(pluginID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.violations[pluginID])
	if n == 0 {
		return 0
	}
	delete(m.violations, pluginID)
	m.publishLocked(true)
	return n
}

func (m *Monitor) expireLocked(now time.Time) {
	drop := 0
	if over := len(m.events) - m.retainN; over > 0 {
		drop = over
	}
	if m.retainFor > 0 {
		cutoff := now.Add(-m.retainFor)
		for drop < len(m.events) && m.events[drop].At.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	// Copy so the old backing array can be collected once readers let go.
	m.events = append([]Event(nil), m.events[drop:]...)
}

func (m *Monitor) publishLocked(violationsChanged bool) {
	prev := m.snap.Load()
	next := &Snapshot{
		Events:          m.events[:len(m.events):len(m.events)],
		Violations:      prev.Violations,
		SeverityCounts:  prev.SeverityCounts,
		HighRiskPlugins: prev.HighRiskPlugins,
		Total:           m.seq,
	}
	if violationsChanged {
		next.Violations = make(map[string][]Event, len(m.violations))
		next.SeverityCounts = make(map[Severity]int)
		next.HighRiskPlugins = nil
		for pluginID, list := range m.violations {
			next.Violations[pluginID] = list[:len(list):len(list)]
			highRisk := false
			for _, ev := range list {
				v, _ := ev.Violation()
				next.SeverityCounts[v.Severity]++
				if v.Severity >= SeverityHigh {
					highRisk = true
				}
			}
			if highRisk {
				next.HighRiskPlugins = append(next.HighRiskPlugins, pluginID)
			}
		}
		sort.Strings(next.HighRiskPlugins)
	}
	m.snap.Store(next)
}
