package detect

import (
	"context"
	"sync"

	"github.com/org/piiguard/internal/events"
)

type registered struct {
	engine *Engine
	sub    *events.Subscription
	done   chan struct{}
}

// Registry keeps one Engine per restricted context id. Each engine listens
// to the bus while registered and is refreshed on every activation, so
// missed broadcasts heal on the next activate.
type Registry struct {
	bus       *events.Bus
	newEngine func() *Engine

	mu      sync.Mutex
	engines map[string]*registered
}

// NewRegistry creates a Registry that builds engines with newEngine.
func NewRegistry(bus *events.Bus, newEngine func() *Engine) *Registry {
	return &Registry{
		bus:       bus,
		newEngine: newEngine,
		engines:   make(map[string]*registered),
	}
}

// Activate returns the engine for id, creating it on first use, and resyncs its caches.
func (r *Registry) Activate(ctx context.Context, id string) (*Engine, error) {
	r.mu.Lock()
	reg, ok := r.engines[id]
	if !ok {
		reg = &registered{
			engine: r.newEngine(),
			sub:    r.bus.Subscribe(0),
			done:   make(chan struct{}),
		}
		r.engines[id] = reg
		go forward(reg)
	}
	r.mu.Unlock()

	if err := reg.engine.Refresh(ctx); err != nil {
		return nil, err
	}
	return reg.engine, nil
}

func forward(reg *registered) {
	defer close(reg.done)
	for ev := range reg.sub.C {
		reg.engine.HandleEvent(context.Background(), ev)
	}
}

// Get returns the engine for id without activating it.
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.engines[id]
	if !ok {
		return nil, false
	}
	return reg.engine, true
}

// Close tears down the engine for id. It reports whether one existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	reg, ok := r.engines[id]
	delete(r.engines, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	reg.sub.Close()
	<-reg.done
	reg.engine.Close()
	return true
}

// CloseAll tears down every engine.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}
