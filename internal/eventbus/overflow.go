package eventbus

import (
	"context"
	"sync"
)

// overflowBuffer is a bounded FIFO ring that absorbs bursts for
// critical topics while the subscriber catches up.
type overflowBuffer struct {
	mu     sync.Mutex
	items  []Envelope
	head   int
	count  int
	notify chan struct{}
	done   chan struct{}
}

func newOverflowBuffer(size int) *overflowBuffer {
	if size <= 0 {
		size = defaultMaxOverflow
	}
	return &overflowBuffer{
		items:  make([]Envelope, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends env and reports false when the ring is full.
func (o *overflowBuffer) push(env Envelope) bool {
	o.mu.Lock()
	if o.count == len(o.items) {
		o.mu.Unlock()
		return false
	}
	o.items[(o.head+o.count)%len(o.items)] = env
	o.count++
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

func (o *overflowBuffer) pop() (Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.count == 0 {
		return Envelope{}, false
	}
	env := o.items[o.head]
	o.items[o.head] = Envelope{}
	o.head = (o.head + 1) % len(o.items)
	o.count--
	return env, true
}

func (o *overflowBuffer) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// drainLoop forwards buffered envelopes into ch until ctx is cancelled.
func (o *overflowBuffer) drainLoop(ctx context.Context, ch chan<- Envelope) {
	defer close(o.done)
	for {
		for env, ok := o.pop(); ok; env, ok = o.pop() {
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		}
	}
}
