package agent

import (
	"context"
	"sync"
)

// CycleGuard marks a discovery cycle as in flight. Waiters are released
// when the cycle ends instead of polling a flag.
type CycleGuard struct {
	mu     sync.Mutex
	active bool
	idle   chan struct{}
}

// Begin starts a cycle. It returns false if one is already running.
func (g *CycleGuard) Begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return false
	}
	g.active = true
	g.idle = make(chan struct{})
	return true
}

// End finishes the running cycle and wakes all waiters
func (g *CycleGuard) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return
	}
	g.active = false
	close(g.idle)
}

func (g *CycleGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Wait blocks until no cycle is in flight or ctx is done
func (g *CycleGuard) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return nil
	}
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
