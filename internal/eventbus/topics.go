package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	// TopicSecurityEvents carries every audit event recorded by the monitor.
	TopicSecurityEvents Topic = "security.events"
	// TopicPluginsState carries plugin lifecycle transitions.
	TopicPluginsState Topic = "plugins.state"
	// TopicPluginsDiscovery carries manifest directory changes.
	TopicPluginsDiscovery Topic = "plugins.discovery"
)

// Source describes which component produced an event.
type Source string

const (
	SourceMonitor   Source = "security_monitor"
	SourceLifecycle Source = "lifecycle_controller"
	SourceWatcher   Source = "plugin_watcher"
	SourceUnknown   Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

var defaultBuffers = map[Topic]int{
	TopicSecurityEvents:   512,
	TopicPluginsState:     64,
	TopicPluginsDiscovery: 16,
}
