package scheduler

import (
	"context"
	"sync"
)

// quotaGate is a FIFO counting semaphore. Released slots are handed to the
// oldest waiter first so schedule requests proceed in arrival order.
type quotaGate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func newQuotaGate(capacity int) *quotaGate {
	return &quotaGate{capacity: capacity}
}

// tryAcquire takes a slot without waiting.
func (g *quotaGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse < g.capacity {
		g.inUse++
		return true
	}
	return false
}

// acquire takes a slot, waiting in FIFO order. A zero-capacity gate never
// grants, so callers must check Capacity before blocking.
func (g *quotaGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.capacity {
		g.inUse++
		g.mu.Unlock()
		return nil
	}

	slot := make(chan struct{})
	g.waiters = append(g.waiters, slot)
	g.mu.Unlock()

	select {
	case <-slot:
		return nil
	case <-ctx.Done():
		g.abandon(slot)
		return ctx.Err()
	}
}

// abandon removes a waiter that gave up. If the slot was granted between the
// cancellation and the removal, it is passed on to the next waiter.
func (g *quotaGate) abandon(slot chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, w := range g.waiters {
		if w == slot {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}

	// Not in the list: the slot was already granted. Hand it back.
	g.releaseLocked()
}

// release returns a slot, granting it to the oldest waiter if any.
func (g *quotaGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked()
}

func (g *quotaGate) releaseLocked() {
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(next)
		return
	}
	if g.inUse > 0 {
		g.inUse--
	}
}

// Capacity returns the configured slot count.
func (g *quotaGate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// InUse returns the number of held slots.
func (g *quotaGate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}
