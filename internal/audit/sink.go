package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives every event recorded after it is attached.
type Sink interface {
	WriteEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) WriteEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// attachment queues events for one sink. The queue is unbounded so a slow
// sink delays its own writes but never loses or reorders them.
type attachment struct {
	name string
	sink Sink

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}

	seen atomic.Uint64
}

func (a *attachment) push(ev Event) {
	a.mu.Lock()
	a.queue = append(a.queue, ev)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *attachment) take() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.queue
	a.queue = nil
	return batch
}

// markSeen advances the high-water mark; it never moves backwards.
func (a *attachment) markSeen(seq uint64) {
	for {
		cur := a.seen.Load()
		if seq <= cur || a.seen.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (m *Monitor) drain(ctx context.Context, a *attachment) {
	for {
		batch := a.take()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}
		for _, ev := range batch {
			if err := a.sink.WriteEvent(ctx, ev); err != nil {
				m.logger.Printf("[Monitor] sink %s failed for event %s: %v", a.name, ev.ID, err)
			}
			a.markSeen(ev.Seq)
		}
	}
}

// Attach delivers every event recorded from now on to sink, in sequence
// order, on a worker owned by the monitor. Sink errors are logged and
// never reach the recording caller.
func (m *Monitor) Attach(name string, sink Sink) error {
	if sink == nil {
		return errors.New("audit: nil sink")
	}

	a := &attachment{name: name, sink: sink, wake: make(chan struct{}, 1)}

	// Record enqueues under mu, so no event can slip between the starting
	// sequence and the registration.
	m.mu.Lock()
	a.seen.Store(m.seq)
	m.attachments = append(m.attachments, a)
	m.mu.Unlock()

	m.lc.Go(func(ctx context.Context) { m.drain(ctx, a) })
	return nil
}

// Flush waits until every attached sink has handled all events recorded
// before the call, or ctx is done.
func (m *Monitor) Flush(ctx context.Context) error {
	m.mu.Lock()
	target := m.seq
	pending := append([]*attachment(nil), m.attachments...)
	m.mu.Unlock()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		caughtUp := true
		for _, a := range pending {
			if a.seen.Load() < target {
				caughtUp = false
				break
			}
		}
		if caughtUp {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close flushes attached sinks and stops their workers.
func (m *Monitor) Close(ctx context.Context) error {
	flushErr := m.Flush(ctx)
	if err := m.lc.Shutdown(ctx); err != nil {
		return err
	}
	return flushErr
}
