package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var m Map
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("water")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if m.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", m.Len())
	}
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	var m Map
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	var m Map
	unlock := m.Lock("a")
	unlock()
	unlock()
	if m.Len() != 0 {
		t.Fatalf("Len = %d", m.Len())
	}
}
