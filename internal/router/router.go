// Package router decides which single strategy instance owns the open
// position and executes only that one. The exchange models one net position
// per symbol, so two instances must never control the account at once.
package router

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Instance is one strategy candidate known to the router.
type Instance interface {
	Name() string
}

// Executor runs a strategy cycle and answers position queries. The live
// implementation refreshes market data, invokes the strategy decision step
// and reconciles trades through the broker.
type Executor interface {
	// Prepare refreshes shared market data once per scheduling tick.
	Prepare(ctx context.Context) error
	// Execute runs one instance's decision step.
	Execute(ctx context.Context, inst Instance) error
	// HasOpenPosition reports whether the account holds an open position.
	HasOpenPosition(ctx context.Context) (bool, error)
}

// Router is a state machine over {no-instance-active, instance-i-active}.
type Router struct {
	mu        sync.Mutex
	instances []Instance
	active    int // index of the owning instance, -1 when none
	exec      Executor
}

// New creates a Router over the registered instances. Call Activate before
// the first cycle to seed ownership from the exchange's position state.
func New(exec Executor, instances ...Instance) *Router {
	return &Router{instances: instances, active: -1, exec: exec}
}

// Activate seeds the active index: if the account already holds a position,
// the first registered instance adopts it.
func (r *Router) Activate(ctx context.Context) error {
	open, err := r.exec.HasOpenPosition(ctx)
	if err != nil {
		return fmt.Errorf("router: activate: %w", err)
	}
	r.mu.Lock()
	if open && len(r.instances) > 0 {
		r.active = 0
	} else {
		r.active = -1
	}
	r.mu.Unlock()
	return nil
}

// ActiveIndex returns the index of the owning instance, or -1.
func (r *Router) ActiveIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Names returns the registered instance names in order.
func (r *Router) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.instances))
	for i, inst := range r.instances {
		names[i] = inst.Name()
	}
	return names
}

// RunOnce performs one scheduling cycle.
//
// With an owner: only the owner executes, then the position is re-queried;
// an empty result clears ownership. With no owner: candidates execute in
// registration order and the first whose execution leaves a non-empty open
// position becomes the owner, skipping the rest for this cycle.
func (r *Router) RunOnce(ctx context.Context) error {
	if err := r.exec.Prepare(ctx); err != nil {
		return fmt.Errorf("router: prepare: %w", err)
	}

	r.mu.Lock()
	active := r.active
	instances := r.instances
	r.mu.Unlock()

	if active >= 0 && active < len(instances) {
		inst := instances[active]
		if err := r.exec.Execute(ctx, inst); err != nil {
			return fmt.Errorf("router: execute %s: %w", inst.Name(), err)
		}
		open, err := r.exec.HasOpenPosition(ctx)
		if err != nil {
			return fmt.Errorf("router: position query: %w", err)
		}
		if !open {
			r.mu.Lock()
			r.active = -1
			r.mu.Unlock()
			log.Printf("[router] %s released the position", inst.Name())
		}
		return nil
	}

	for i, inst := range instances {
		if err := r.exec.Execute(ctx, inst); err != nil {
			return fmt.Errorf("router: execute %s: %w", inst.Name(), err)
		}
		open, err := r.exec.HasOpenPosition(ctx)
		if err != nil {
			return fmt.Errorf("router: position query: %w", err)
		}
		if open {
			r.mu.Lock()
			r.active = i
			r.mu.Unlock()
			log.Printf("[router] %s owns the position", inst.Name())
			return nil
		}
	}
	return nil
}

// Reset clears the registry and ownership so a subsequent run starts clean.
func (r *Router) Reset() {
	r.mu.Lock()
	r.instances = nil
	r.active = -1
	r.mu.Unlock()
}
