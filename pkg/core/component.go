package core

import (
	"sync"

	"github.com/go-drift/relay/pkg/state"
)

// Component is the behavior attached to an instance. Attach is called once,
// right after construction and before any other hook.
type Component interface {
	Attach(inst *Instance)
}

// Creator is implemented by components that initialize after construction.
// restored reports whether a captured bundle was applied to the store.
type Creator interface {
	OnCreate(restored bool)
}

// Activator is implemented by components that react to becoming Active.
type Activator interface {
	OnActivate()
}

// Suspender is implemented by components that flush in-memory fields into
// their store before the store is captured.
type Suspender interface {
	OnSuspend()
}

// Disposer is implemented by components that release resources when their
// instance is torn down, whether finally or for recreation.
type Disposer interface {
	Dispose()
}

// Constructor builds the behavior for one component type.
type Constructor func() Component

// Base provides common functionality for components.
// Embed this struct in your component to eliminate boilerplate.
//
// Example:
//
//	type player struct {
//	    core.Base
//	    conn io.Closer
//	}
//
//	func (p *player) OnCreate(restored bool) {
//	    p.conn = dial()
//	    p.OnDispose(func() { p.conn.Close() })
//	}
type Base struct {
	inst      *Instance
	disposers []func()
	disposed  bool
	mu        sync.Mutex
}

// Attach stores the owning instance.
// This method is called automatically by the framework.
func (b *Base) Attach(inst *Instance) {
	b.inst = inst
}

// Instance returns the owning instance.
func (b *Base) Instance() *Instance {
	return b.inst
}

// Store returns the owning instance's State Store, or nil before Attach.
func (b *Base) Store() *state.Store {
	if b.inst == nil {
		return nil
	}
	return b.inst.store
}

// OnDispose registers a cleanup function to be called when the component is disposed.
// Returns an unregister function that can be called to remove the disposer.
// The cleanup function will only be called once.
func (b *Base) OnDispose(cleanup func()) func() {
	if cleanup == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		// Already disposed, run cleanup immediately
		cleanup()
		return func() {}
	}

	index := len(b.disposers)
	b.disposers = append(b.disposers, cleanup)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if index < len(b.disposers) {
			b.disposers[index] = nil
		}
	}
}

// RunDisposers executes all registered disposers in reverse order.
// This is called automatically by Dispose().
func (b *Base) RunDisposers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return
	}
	b.disposed = true

	for i := len(b.disposers) - 1; i >= 0; i-- {
		if b.disposers[i] != nil {
			b.disposers[i]()
		}
	}
	b.disposers = nil
}

// Dispose cleans up resources. Override this method if you need custom cleanup,
// but always call b.RunDisposers() or b.Base.Dispose() in your override.
func (b *Base) Dispose() {
	b.RunDisposers()
}

// IsDisposed returns true if this component has been disposed.
func (b *Base) IsDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}
