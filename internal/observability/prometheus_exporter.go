package observability

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/eventbus"
	"github.com/nupi-ai/habitvault/internal/lifecycle"
)

// PrometheusExporter renders vault metrics in Prometheus text format.
type PrometheusExporter struct {
	bus            *eventbus.Bus
	counter        *EventCounter
	monitor        MonitorProvider
	states         StatesProvider
	pluginWarnings PluginWarningsProvider
}

// MonitorProvider exposes the security monitor's current view.
type MonitorProvider interface {
	Snapshot() audit.Snapshot
}

// StatesProvider exposes plugin runtime states.
type StatesProvider interface {
	States() []lifecycle.RuntimeState
}

// PluginWarningsProvider exposes the count of plugin discovery warnings.
type PluginWarningsProvider interface {
	WarningsCount() int
}

// NewPrometheusExporter constructs an exporter backed by the provided bus and event counter.
func NewPrometheusExporter(bus *eventbus.Bus, counter *EventCounter) *PrometheusExporter {
	return &PrometheusExporter{
		bus:     bus,
		counter: counter,
	}
}

// WithMonitor enables exporting active violation gauges.
func (e *PrometheusExporter) WithMonitor(provider MonitorProvider) {
	e.monitor = provider
}

// WithStates enables exporting plugin state gauges.
func (e *PrometheusExporter) WithStates(provider StatesProvider) {
	e.states = provider
}

// WithPluginWarnings enables exporting plugin discovery warning metrics.
func (e *PrometheusExporter) WithPluginWarnings(provider PluginWarningsProvider) {
	e.pluginWarnings = provider
}

// Export produces the metrics payload in Prometheus' text exposition format.
func (e *PrometheusExporter) Export() []byte {
	var buf bytes.Buffer

	e.writeEventCounters(&buf)
	e.writeBusMetrics(&buf)
	e.writeMonitorMetrics(&buf)
	e.writeStateMetrics(&buf)
	e.writePluginWarningsMetrics(&buf)

	return buf.Bytes()
}

func (e *PrometheusExporter) writeEventCounters(buf *bytes.Buffer) {
	if e.counter == nil {
		return
	}

	counts := e.counter.Snapshot()
	if len(counts) > 0 {
		buf.WriteString("# HELP habitvault_security_events_total Total number of security events recorded per type.\n")
		buf.WriteString("# TYPE habitvault_security_events_total counter\n")

		types := make([]string, 0, len(counts))
		for typ := range counts {
			types = append(types, string(typ))
		}
		sort.Strings(types)
		for _, typ := range types {
			buf.WriteString(fmt.Sprintf("habitvault_security_events_total{type=%q} %d\n", typ, counts[audit.EventType(typ)]))
		}
	}

	violations := e.counter.ViolationSnapshot()
	if len(violations) == 0 {
		return
	}
	buf.WriteString("# HELP habitvault_violations_total Total number of violations recorded per severity.\n")
	buf.WriteString("# TYPE habitvault_violations_total counter\n")
	for sev := audit.SeverityLow; sev <= audit.SeverityCritical; sev++ {
		if n, ok := violations[sev]; ok {
			buf.WriteString(fmt.Sprintf("habitvault_violations_total{severity=%q} %d\n", sev.String(), n))
		}
	}
}

func (e *PrometheusExporter) writeBusMetrics(buf *bytes.Buffer) {
	if e.bus == nil {
		return
	}

	metrics := e.bus.Metrics()

	buf.WriteString("# HELP habitvault_eventbus_publish_total Total number of events published on the bus.\n")
	buf.WriteString("# TYPE habitvault_eventbus_publish_total counter\n")
	buf.WriteString(fmt.Sprintf("habitvault_eventbus_publish_total %d\n", metrics.PublishTotal))

	buf.WriteString("# HELP habitvault_eventbus_dropped_total Total number of events dropped by the bus.\n")
	buf.WriteString("# TYPE habitvault_eventbus_dropped_total counter\n")
	buf.WriteString(fmt.Sprintf("habitvault_eventbus_dropped_total %d\n", metrics.DroppedTotal))

	if len(metrics.Subscribers) == 0 {
		return
	}
	buf.WriteString("# HELP habitvault_eventbus_subscribers Current number of subscribers per topic.\n")
	buf.WriteString("# TYPE habitvault_eventbus_subscribers gauge\n")
	topics := make([]string, 0, len(metrics.Subscribers))
	for topic := range metrics.Subscribers {
		topics = append(topics, string(topic))
	}
	sort.Strings(topics)
	for _, topic := range topics {
		buf.WriteString(fmt.Sprintf("habitvault_eventbus_subscribers{topic=%q} %d\n", topic, metrics.Subscribers[eventbus.Topic(topic)]))
	}
}

func (e *PrometheusExporter) writeMonitorMetrics(buf *bytes.Buffer) {
	if e.monitor == nil {
		return
	}
	snap := e.monitor.Snapshot()

	buf.WriteString("# HELP habitvault_active_violations Active violations per severity.\n")
	buf.WriteString("# TYPE habitvault_active_violations gauge\n")
	for sev := audit.SeverityLow; sev <= audit.SeverityCritical; sev++ {
		buf.WriteString(fmt.Sprintf("habitvault_active_violations{severity=%q} %d\n", sev.String(), snap.SeverityCounts[sev]))
	}

	buf.WriteString("# HELP habitvault_high_risk_plugins Plugins with an active high or critical violation.\n")
	buf.WriteString("# TYPE habitvault_high_risk_plugins gauge\n")
	buf.WriteString(fmt.Sprintf("habitvault_high_risk_plugins %d\n", snap.HighRiskCount()))
}

func (e *PrometheusExporter) writeStateMetrics(buf *bytes.Buffer) {
	if e.states == nil {
		return
	}
	counts := make(map[lifecycle.State]int)
	for _, st := range e.states.States() {
		counts[st.State]++
	}

	buf.WriteString("# HELP habitvault_plugins Registered plugins per lifecycle state.\n")
	buf.WriteString("# TYPE habitvault_plugins gauge\n")
	for _, state := range []lifecycle.State{lifecycle.StateRegistered, lifecycle.StateDisabled, lifecycle.StateEnabled, lifecycle.StateError} {
		buf.WriteString(fmt.Sprintf("habitvault_plugins{state=%q} %d\n", string(state), counts[state]))
	}
}

func (e *PrometheusExporter) writePluginWarningsMetrics(buf *bytes.Buffer) {
	if e.pluginWarnings == nil {
		return
	}

	count := e.pluginWarnings.WarningsCount()

	buf.WriteString("# HELP habitvault_plugins_discovery_warnings Current number of plugins skipped during last discovery due to manifest errors.\n")
	buf.WriteString("# TYPE habitvault_plugins_discovery_warnings gauge\n")
	buf.WriteString(fmt.Sprintf("habitvault_plugins_discovery_warnings %d\n", count))
}
