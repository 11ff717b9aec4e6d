package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

func TestLooperRunsInPostOrder(t *testing.T) {
	l := NewLooper("main")
	var got []int
	for i := range 5 {
		l.Post(func() { got = append(got, i) })
	}
	if n := l.Drain(); n != 5 {
		t.Fatalf("Drain ran %d callbacks, want 5", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestLooperDrainsNestedPosts(t *testing.T) {
	l := NewLooper("main")
	var order []string
	l.Post(func() {
		order = append(order, "outer")
		l.Post(func() { order = append(order, "inner") })
	})
	l.Drain()
	if len(order) != 2 || order[1] != "inner" {
		t.Errorf("order = %v", order)
	}
	if l.Pending() != 0 {
		t.Errorf("Pending = %d after drain", l.Pending())
	}
}

func TestLooperDrainInsideCallbackIsNoop(t *testing.T) {
	l := NewLooper("main")
	var order []string
	l.Post(func() {
		l.Post(func() { order = append(order, "second") })
		if n := l.Drain(); n != 0 {
			t.Errorf("nested Drain ran %d callbacks, want 0", n)
		}
		order = append(order, "first")
	})
	if n := l.Drain(); n != 2 {
		t.Errorf("Drain ran %d callbacks, want 2", n)
	}
	if len(order) != 2 || order[0] != "first" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestLooperRecoversPanics(t *testing.T) {
	var panics int
	relayerrors.SetHandler(&panicCounter{n: &panics})
	defer relayerrors.SetHandler(nil)

	l := NewLooper("main")
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.Drain()

	if !ran {
		t.Error("callback after panic did not run")
	}
	if panics != 1 {
		t.Errorf("reported %d panics, want 1", panics)
	}
	if l.Processed() != 2 {
		t.Errorf("Processed = %d, want 2", l.Processed())
	}
}

func TestLooperRunFromOtherGoroutines(t *testing.T) {
	l := NewLooper("bg")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	finished := make(chan struct{})
	l.Post(func() { close(finished) })
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("looper did not process posts")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}

func TestLooperClose(t *testing.T) {
	l := NewLooper("main")
	l.Close()
	if l.Post(func() {}) {
		t.Error("Post after Close should fail")
	}
	if err := l.Run(context.Background()); err != nil {
		t.Errorf("Run after Close = %v, want nil", err)
	}
	if l.Post(nil) {
		t.Error("Post(nil) should fail")
	}
}

type panicCounter struct{ n *int }

func (p *panicCounter) HandleError(*relayerrors.RelayError)      {}
func (p *panicCounter) HandleDiagnostic(*relayerrors.Diagnostic) {}
func (p *panicCounter) HandlePanic(*relayerrors.PanicError)      { *p.n++ }
