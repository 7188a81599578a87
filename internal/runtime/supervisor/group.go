package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Component is a long-lived daemon subsystem started and stopped by a Group.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Func builds a Component from callbacks. Nil callbacks are no-ops.
type Func struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context) error
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}

// Group starts components in registration order and stops the started ones
// in reverse.
type Group struct {
	mu         sync.Mutex
	components []Component
	started    []Component
	running    bool
}

// Add registers components. It panics once the group has started.
func (g *Group) Add(cs ...Component) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		panic("supervisor: cannot add component after start")
	}
	g.components = append(g.components, cs...)
}

// Start runs each component's Start. On failure the components already
// started are stopped and the first error is returned.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	g.running = true
	for _, c := range g.components {
		if err := c.Start(ctx); err != nil {
			startErr := fmt.Errorf("start %s: %w", c.Name(), err)
			if stopErr := g.stopLocked(ctx); stopErr != nil {
				startErr = errors.Join(startErr, stopErr)
			}
			g.running = false
			return startErr
		}
		g.started = append(g.started, c)
	}
	return nil
}

// Stop stops started components in reverse order. It is safe to call when
// nothing was started.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	return g.stopLocked(ctx)
}

func (g *Group) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(g.started) - 1; i >= 0; i-- {
		c := g.started[i]
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}
	g.started = nil
	return errors.Join(errs...)
}
