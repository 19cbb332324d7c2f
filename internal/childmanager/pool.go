package childmanager

import (
	"sync"

	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/resilience"
)

// ChildPool owns up to spec.EffectivePoolSize() [ChildSlot]s for one
// ServerSpec, plus the round-robin selector used to balance calls across
// them.
type ChildPool struct {
	spec config.ServerSpec

	mu       sync.Mutex
	slots    []*ChildSlot
	roundRobin int

	// breaker guards automatic restarts after repeated startup failures so a
	// permanently broken command does not spin-loop the idle reaper or
	// incoming calls into a tight restart cycle.
	breaker *resilience.CircuitBreaker
}

func newPool(spec config.ServerSpec) *ChildPool {
	size := spec.EffectivePoolSize()
	slots := make([]*ChildSlot, size)
	for i := range slots {
		slots[i] = newSlot(spec.Name)
	}
	return &ChildPool{
		spec:  spec,
		slots: slots,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: spec.Name + "-startup",
		}),
	}
}

// readySlot returns a Ready slot chosen by round robin, or nil if none are
// ready.
func (p *ChildPool) readySlot() *ChildSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	for i := 0; i < n; i++ {
		idx := (p.roundRobin + i) % n
		if p.slots[idx].State() == StateReady {
			p.roundRobin = (idx + 1) % n
			return p.slots[idx]
		}
	}
	return nil
}

// emptySlot returns the first slot that is Empty or Failed, so it can be
// transitioned to Starting. Returns nil if every slot is already
// Starting/Ready/Draining.
func (p *ChildPool) emptySlot() *ChildSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		switch slot.State() {
		case StateEmpty, StateFailed:
			return slot
		}
	}
	return nil
}

// all returns every slot in the pool, for stop_all/idle reaping.
func (p *ChildPool) all() []*ChildSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ChildSlot, len(p.slots))
	copy(out, p.slots)
	return out
}
