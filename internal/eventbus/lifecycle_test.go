package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() { c.n.Add(1) }

func TestSubscriptionGroupIgnoresNilAndClosesOnce(t *testing.T) {
	var group SubscriptionGroup
	var nilCloser *countingCloser
	first, second := &countingCloser{}, &countingCloser{}

	group.Add(first, nilCloser, second)
	group.CloseAll()
	group.CloseAll()

	if first.n.Load() != 1 || second.n.Load() != 1 {
		t.Fatalf("close counts = %d, %d", first.n.Load(), second.n.Load())
	}
}

func TestServiceLifecycleShutdown(t *testing.T) {
	var lc ServiceLifecycle
	lc.Start(context.Background())

	bus := New()
	sub := SubscribeTo(bus, testStateTopic)
	lc.AddSubscriptions(sub)

	var seen atomic.Int32
	lc.Go(func(ctx context.Context) {
		Consume(ctx, sub, nil, func(stateChange) { seen.Add(1) })
	})

	Publish(context.Background(), bus, testStateTopic, SourceLifecycle, stateChange{PluginID: "a"})
	deadline := time.Now().Add(time.Second)
	for seen.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if seen.Load() != 1 {
		t.Fatalf("expected one consumed event, got %d", seen.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestWaitForWorkersReturnsContextError(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := WaitForWorkers(ctx, &wg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := WaitForWorkers(context.Background(), nil); err != nil {
		t.Fatalf("nil waitgroup: %v", err)
	}
}
