// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate_AcquireRelease(t *testing.T) {
	g := New(2)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := g.InUse(); got != 2 {
		t.Errorf("InUse() = %d, want 2", got)
	}
	if got := g.Available(); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}

	g.Release()
	g.Release()

	if got := g.Available(); got != 2 {
		t.Errorf("Available() = %d, want 2", got)
	}
}

func TestGate_TryAcquire(t *testing.T) {
	g := New(1)

	if !g.TryAcquire() {
		t.Fatal("TryAcquire() = false, want true")
	}
	if g.TryAcquire() {
		t.Fatal("TryAcquire() = true on full gate, want false")
	}

	g.Release()

	if !g.TryAcquire() {
		t.Fatal("TryAcquire() after release = false, want true")
	}
}

func TestGate_ClampsCapacity(t *testing.T) {
	g := New(0)
	if got := g.Capacity(); got != 1 {
		t.Errorf("Capacity() = %d, want 1", got)
	}
}

func TestGate_BoundsConcurrency(t *testing.T) {
	const capacity = 3
	const workers = 20

	g := New(capacity)

	var current, peak int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer g.Release()

			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&current, -1)
		}()
	}

	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > capacity {
		t.Errorf("peak concurrent holders = %d, want <= %d", got, capacity)
	}
}

func TestGate_FIFOOrder(t *testing.T) {
	g := New(1)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	started := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			// Queue position is established before Acquire can block,
			// so waiters enqueue in index order.
			started <- struct{}{}
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			g.Release()
		}()
		<-started
		// Give the goroutine time to enqueue before starting the next.
		for g.Waiting() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	g.Release()

	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("waiter served out of order: got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for waiter %d", want)
		}
	}
}

func TestGate_AcquireCancelled(t *testing.T) {
	g := New(1)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(ctx)
	}()

	for g.Waiting() != 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}

	// The cancelled waiter must not consume the permit.
	g.Release()
	if !g.TryAcquire() {
		t.Error("permit leaked to cancelled waiter")
	}
}

func TestGate_ReleaseWithoutAcquirePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Release without Acquire did not panic")
		}
	}()

	New(1).Release()
}
