// Package engine provides the owning context each component tree runs on.
//
// A Looper is a serialized run loop. Every lifecycle transition, state store
// mutation and result handoff for a tree runs on that tree's Looper, one
// callback at a time, so tree state needs no locks. Other goroutines and other
// trees interact with a tree only by posting callbacks to its Looper.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// Looper runs posted callbacks one at a time in FIFO order.
type Looper struct {
	name string

	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	closed   bool
	running  atomic.Bool
	draining atomic.Bool
	drained  atomic.Int64
}

// NewLooper creates a looper identified by name.
func NewLooper(name string) *Looper {
	return &Looper{
		name: name,
		wake: make(chan struct{}, 1),
	}
}

// Name returns the looper name.
func (l *Looper) Name() string {
	return l.name
}

// Post enqueues fn without blocking. It returns false if fn is nil or the
// looper has been closed.
func (l *Looper) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued callbacks.
func (l *Looper) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Processed returns the number of callbacks run so far.
func (l *Looper) Processed() int64 {
	return l.drained.Load()
}

// Drain runs queued callbacks until the queue is empty, including callbacks
// posted by the callbacks themselves. It must be called from the owning
// context. A panicking callback is reported and does not stop the drain.
//
// A Drain issued while another drain is in progress, including from inside a
// callback, returns 0 immediately; the outer drain runs the remaining work.
func (l *Looper) Drain() int {
	if !l.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer l.draining.Store(false)

	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(fn)
		n++
	}
}

func (l *Looper) run(fn func()) {
	defer l.drained.Add(1)
	defer relayerrors.Recover("engine.Looper." + l.name)
	fn()
}

// Run drains the queue whenever callbacks are posted until ctx is done or
// Close is called. Only one Run may be active per looper.
func (l *Looper) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return relayerrors.Newf("engine.Looper.Run", relayerrors.KindLifecycle, l.name, "looper already running")
	}
	defer l.running.Store(false)

	for {
		l.Drain()

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Close stops accepting new callbacks. Callbacks already queued still run on
// the next Drain.
func (l *Looper) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}
