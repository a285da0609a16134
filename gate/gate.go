// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gate provides a bounded-concurrency primitive with FIFO fairness.
//
// A Gate is a counting gate sized to a fixed capacity. Unlike a plain
// buffered-channel semaphore, Release hands the freed permit directly to the
// oldest queued waiter instead of incrementing a free-permit counter, so
// waiters are admitted strictly in arrival order.
package gate

import (
	"context"
	"sync"
)

// Gate bounds the number of concurrent permit holders.
//
// Thread Safety:
//
//	Gate is safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	permits int             // free permits not promised to a waiter
	inUse   int             // currently held permits
	cap     int             // total capacity
	waiters []chan struct{} // FIFO queue; closed channel = permit granted
}

// New creates a Gate with the given capacity.
//
// Inputs:
//
//	capacity - Maximum concurrent holders. Values < 1 are clamped to 1.
//
// Outputs:
//
//	*Gate - The gate, with all permits free.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		permits: capacity,
		cap:     capacity,
	}
}

// Acquire blocks until a permit is available or the context is cancelled.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//
// Outputs:
//
//	error - Non-nil if the context was cancelled before a permit was granted.
//
// Waiters are served in FIFO order: a permit freed by Release goes to the
// oldest waiter even if a fresh caller arrives first.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.permits > 0 && len(g.waiters) == 0 {
		g.permits--
		g.inUse++
		g.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The permit was granted concurrently with cancellation.
		// Hand it back so it isn't leaked.
		g.Release()
		return ctx.Err()
	}
}

// TryAcquire attempts to take a permit without blocking.
//
// Outputs:
//
//	bool - True if a permit was acquired.
//
// TryAcquire never jumps the queue: it fails while waiters are pending even
// if a free permit exists.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.permits > 0 && len(g.waiters) == 0 {
		g.permits--
		g.inUse++
		return true
	}
	return false
}

// Release returns a permit.
//
// If waiters are queued the permit is handed directly to the oldest waiter;
// otherwise the free-permit count is incremented. Must be paired with a
// successful Acquire or TryAcquire.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inUse == 0 {
		panic("gate: release without acquire")
	}

	if len(g.waiters) > 0 {
		// Direct handoff: inUse stays constant, permit never goes free.
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(ready)
		return
	}

	g.inUse--
	g.permits++
}

// InUse returns the number of currently held permits.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Available returns the number of free permits.
func (g *Gate) Available() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permits
}

// Capacity returns the total permit capacity.
func (g *Gate) Capacity() int {
	return g.cap
}

// Waiting returns the number of queued waiters.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
