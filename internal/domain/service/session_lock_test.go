package service

import (
	"context"
	"sync"
	"testing"
	"time"
)

// === Test: FIFO ordering within a session ===

func TestSessionLocks_FIFO(t *testing.T) {
	locks := NewSessionLocks()
	ctx := context.Background()

	first, err := locks.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	ready := make(chan struct{})

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n == 1 {
				close(ready)
			} else {
				<-ready
				// Stagger so queue order is deterministic.
				time.Sleep(time.Duration(n*20) * time.Millisecond)
			}
			release, err := locks.Acquire(ctx, "s1")
			if err != nil {
				t.Errorf("acquire %d: %v", n, err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			release()
		}(i)
	}

	time.Sleep(150 * time.Millisecond)
	first()
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected acquisition order: %v", order)
	}
}

// === Test: independent sessions do not block each other ===

func TestSessionLocks_IndependentSessions(t *testing.T) {
	locks := NewSessionLocks()
	ctx := context.Background()

	releaseA, err := locks.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := locks.Acquire(ctx, "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("session b blocked behind session a")
	}
}

// === Test: a cancelled waiter forwards its slot ===

func TestSessionLocks_CancelledWaiterDoesNotWedge(t *testing.T) {
	locks := NewSessionLocks()

	first, err := locks.Acquire(context.Background(), "s")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := locks.Acquire(cancelCtx, "s"); err == nil {
		t.Fatalf("expected context error for cancelled waiter")
	}

	// A third acquirer queued behind the cancelled one must still get
	// through once the head releases.
	got := make(chan struct{})
	go func() {
		release, err := locks.Acquire(context.Background(), "s")
		if err == nil {
			release()
			close(got)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	first()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue wedged behind cancelled waiter")
	}
}

// === Test: With releases on both success and error ===

func TestSessionLocks_With(t *testing.T) {
	locks := NewSessionLocks()
	ctx := context.Background()

	if err := locks.With(ctx, "s", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("with: %v", err)
	}

	// Lock must be free again.
	release, err := locks.Acquire(ctx, "s")
	if err != nil {
		t.Fatalf("lock not released after With: %v", err)
	}
	release()
}
