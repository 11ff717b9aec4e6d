package testing

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-drift/relay/pkg/core"
	"github.com/go-drift/relay/pkg/results"
	"github.com/go-drift/relay/pkg/state"
)

// Recorder is a component that logs every hook it receives. It implements all
// optional lifecycle hooks, routing.Receiver and results.Receiver.
type Recorder struct {
	core.Base

	mu       sync.Mutex
	calls    []string
	messages []state.Bundle
	results  []results.Result
}

// NewRecorder is a core.Constructor.
func NewRecorder() core.Component { return &Recorder{} }

// RecorderOf returns the Recorder behind inst, or nil.
func RecorderOf(inst *core.Instance) *Recorder {
	if inst == nil {
		return nil
	}
	r, _ := inst.Component().(*Recorder)
	return r
}

func (r *Recorder) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *Recorder) Attach(inst *core.Instance) {
	r.Base.Attach(inst)
	r.record("Attach")
}

func (r *Recorder) OnCreate(restored bool) { r.record(fmt.Sprintf("OnCreate(%t)", restored)) }

func (r *Recorder) OnActivate() { r.record("OnActivate") }

func (r *Recorder) OnSuspend() { r.record("OnSuspend") }

func (r *Recorder) Dispose() {
	r.record("Dispose")
	r.Base.Dispose()
}

func (r *Recorder) OnMessage(extras state.Bundle) {
	r.mu.Lock()
	r.messages = append(r.messages, extras)
	r.mu.Unlock()
	r.record("OnMessage")
}

func (r *Recorder) OnResult(res results.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	r.record("OnResult")
}

// Calls returns the hooks received so far, in order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Messages returns the extras of every message received.
func (r *Recorder) Messages() []state.Bundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

// Results returns every result handed off.
func (r *Recorder) Results() []results.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.results)
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls, r.messages, r.results = nil, nil, nil
}
