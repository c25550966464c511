package observability

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nupi-ai/habitvault/internal/audit"
)

// EventCounter counts recorded security events grouped by type, and
// violations grouped by severity. It is attached to the monitor as a sink.
type EventCounter struct {
	byType     sync.Map // map[audit.EventType]*atomic.Uint64
	bySeverity sync.Map // map[audit.Severity]*atomic.Uint64
}

// NewEventCounter creates a counter that can be attached to a monitor.
func NewEventCounter() *EventCounter {
	return &EventCounter{}
}

// WriteEvent implements audit.Sink.
func (c *EventCounter) WriteEvent(_ context.Context, ev audit.Event) error {
	typ := ev.Type()
	if typ == "" {
		return nil
	}
	counterFor(&c.byType, typ).Add(1)
	if v, ok := ev.Violation(); ok {
		counterFor(&c.bySeverity, v.Severity).Add(1)
	}
	return nil
}

// Snapshot exposes a stable copy of the per-type counts.
func (c *EventCounter) Snapshot() map[audit.EventType]uint64 {
	return snapshot[audit.EventType](&c.byType)
}

// ViolationSnapshot exposes a stable copy of violation counts by severity.
func (c *EventCounter) ViolationSnapshot() map[audit.Severity]uint64 {
	return snapshot[audit.Severity](&c.bySeverity)
}

func snapshot[K comparable](counts *sync.Map) map[K]uint64 {
	out := make(map[K]uint64)
	counts.Range(func(key, value any) bool {
		k, ok := key.(K)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		out[k] = counter.Load()
		return true
	})
	return out
}

func counterFor[K comparable](counts *sync.Map, key K) *atomic.Uint64 {
	if counter, ok := counts.Load(key); ok {
		if typed, ok := counter.(*atomic.Uint64); ok && typed != nil {
			return typed
		}
	}
	newCounter := &atomic.Uint64{}
	actual, _ := counts.LoadOrStore(key, newCounter)
	if typed, ok := actual.(*atomic.Uint64); ok && typed != nil {
		return typed
	}
	return newCounter
}
