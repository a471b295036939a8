package orchestrator

import (
	"context"
	"sync"
)

// gate lets an operator suspend a job's workers between page tasks.
// Open is the normal state; Wait returns immediately. While paused,
// Wait blocks until Resume or context cancellation.
type gate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newGate() *gate {
	g := &gate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

// Wait blocks while the gate is paused. Workers call it before each
// page task so a pause takes effect at task granularity, never
// mid-fetch.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
