package eventbus

import (
	"context"
	"reflect"
	"sync"
)

// SubscriptionCloser is anything that can be closed on shutdown.
type SubscriptionCloser interface {
	Close()
}

// SubscriptionGroup closes a set of subscriptions together.
type SubscriptionGroup struct {
	mu   sync.Mutex
	subs []SubscriptionCloser
}

// Add tracks subs. Nil values, including typed nil pointers, are ignored.
func (g *SubscriptionGroup) Add(subs ...SubscriptionCloser) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if v := reflect.ValueOf(sub); v.Kind() == reflect.Pointer && v.IsNil() {
			continue
		}
		g.subs = append(g.subs, sub)
	}
}

// CloseAll closes and forgets every tracked subscription.
func (g *SubscriptionGroup) CloseAll() {
	if g == nil {
		return
	}
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// ServiceLifecycle owns a service context, its subscriptions and its
// worker goroutines.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   SubscriptionGroup
	wg     sync.WaitGroup
}

// Start derives the service context from parent.
func (l *ServiceLifecycle) Start(parent context.Context) {
	l.ctx, l.cancel = context.WithCancel(parent)
}

// Context returns the service context.
func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions registers subscriptions closed by Shutdown.
func (l *ServiceLifecycle) AddSubscriptions(subs ...SubscriptionCloser) {
	l.subs.Add(subs...)
}

// Go runs worker with the service context and tracks it.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	if worker == nil {
		return
	}
	l.wg.Add(1)
	go func(ctx context.Context) {
		defer l.wg.Done()
		worker(ctx)
	}(l.ctx)
}

// Shutdown cancels the context, closes subscriptions and waits for workers
// until ctx expires.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	l.subs.CloseAll()
	return WaitForWorkers(ctx, &l.wg)
}

// WaitForWorkers waits for wg or returns ctx.Err when ctx is done first.
func WaitForWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	if wg == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
