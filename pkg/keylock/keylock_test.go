package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockUnlock(t *testing.T) {
	l := New()

	if l.IsLocked("a") {
		t.Fatal("fresh key should not be locked")
	}
	if !l.Lock("a") {
		t.Fatal("Lock on a free key should succeed")
	}
	if !l.IsLocked("a") {
		t.Error("key should be locked after Lock")
	}
	if l.Lock("a") {
		t.Error("Lock on a held key should fail (no re-entrancy)")
	}
	if !l.Lock("b") {
		t.Error("keys are independent")
	}
	if l.Held() != 2 {
		t.Errorf("Held() = %d, want 2", l.Held())
	}
	if !l.Unlock("a") {
		t.Error("Unlock on a held key should succeed")
	}
	if l.Unlock("a") {
		t.Error("Unlock on a free key should fail")
	}
	if l.IsLocked("a") {
		t.Error("key should be free after Unlock")
	}
	if l.Unlock("never") {
		t.Error("Unlock on an unknown key should fail")
	}
}

func TestChangedClosedOnLockAndUnlock(t *testing.T) {
	l := New()

	ch := l.Changed()
	l.Lock("k")
	select {
	case <-ch:
	default:
		t.Fatal("Changed channel should be closed after a successful Lock")
	}

	ch = l.Changed()
	if l.Lock("k") {
		t.Fatal("second Lock should fail")
	}
	select {
	case <-ch:
		t.Fatal("failed Lock must not broadcast")
	default:
	}

	l.Unlock("k")
	select {
	case <-ch:
	default:
		t.Fatal("Changed channel should be closed after a successful Unlock")
	}

	ch = l.Changed()
	l.Broadcast()
	select {
	case <-ch:
	default:
		t.Fatal("Broadcast should close the Changed channel")
	}
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	l := New()
	l.Lock("k")

	const waiters = 10
	var woken atomic.Int32
	var ready sync.WaitGroup
	var done sync.WaitGroup
	ready.Add(waiters)
	done.Add(waiters)

	for i := 0; i < waiters; i++ {
		go func() {
			defer done.Done()
			ch := l.Changed()
			ready.Done()
			<-ch
			woken.Add(1)
		}()
	}

	ready.Wait()
	l.Unlock("k")

	waitCh := make(chan struct{})
	go func() {
		done.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d of %d waiters woke up", woken.Load(), waiters)
	}
}

func TestConcurrentLockExclusive(t *testing.T) {
	l := New()

	const goroutines = 50
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if l.Lock("shared") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", winners.Load())
	}
}
