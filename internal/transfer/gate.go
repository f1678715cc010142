package transfer

import (
	"context"
	"sync"
)

// Gate is a reusable open/closed switch. Writers wait on it between chunks.
type Gate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the gate is open
}

// NewGate returns an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)

	return &Gate{ch: ch}
}

func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks while the gate is closed. It returns ctx.Err() if the context
// ends first.
func (g *Gate) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
