package testing

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/host"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/metrics"
	"github.com/go-drift/relay/pkg/routing"
)

// maxPumpRounds bounds Pump so callbacks that keep reposting fail the test
// instead of hanging it.
const maxPumpRounds = 1000

// ErrNotSettled is reported when Pump exceeds maxPumpRounds.
var ErrNotSettled = errors.New("Pump did not settle: loopers keep reposting work")

// Tester drives a host synchronously from the test goroutine. Every helper
// fails the test on error.
type Tester struct {
	t    testing.TB
	host *host.Host

	mu          sync.Mutex
	events      []core.Event
	errs        []*relayerrors.RelayError
	diagnostics []*relayerrors.Diagnostic
	panics      []*relayerrors.PanicError

	prevHandler relayerrors.ErrorHandler
	unsubs      []func()
}

// NewTester parses manifestYAML and builds a host from it. Types without a
// constructor in ctors are built as Recorders.
func NewTester(t testing.TB, manifestYAML string, ctors map[string]core.Constructor) *Tester {
	t.Helper()
	m, err := manifest.Parse([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	return NewTesterWithOptions(t, host.Options{Manifest: m, Constructors: ctors})
}

// NewTesterWithOptions builds a tester around a host configured by opts.
// Types without a constructor are built as Recorders.
func NewTesterWithOptions(t testing.TB, opts host.Options) *Tester {
	t.Helper()
	if opts.Manifest != nil {
		if err := opts.Manifest.Freeze(); err != nil {
			t.Fatalf("freeze manifest: %v", err)
		}
		ctors := make(map[string]core.Constructor, len(opts.Manifest.Components))
		for _, typ := range opts.Manifest.Types() {
			ctors[typ] = NewRecorder
		}
		for typ, ctor := range opts.Constructors {
			ctors[typ] = ctor
		}
		opts.Constructors = ctors
	}
	h, err := host.New(opts)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	tester := &Tester{t: t, host: h, prevHandler: relayerrors.Handler()}
	if m := h.Metrics(); m != nil {
		relayerrors.SetHandler(&metrics.Handler{Next: tester, Metrics: m})
	} else {
		relayerrors.SetHandler(tester)
	}
	for _, tree := range h.Trees() {
		ctrl, _ := h.Controller(tree)
		tester.unsubs = append(tester.unsubs, ctrl.AddHandler(tester.record))
	}
	t.Cleanup(tester.Cleanup)
	return tester
}

// Cleanup closes the host and restores the previous error handler. It runs
// automatically at the end of the test.
func (t *Tester) Cleanup() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
	t.host.Close()
	relayerrors.SetHandler(t.prevHandler)
}

// Host returns the host under test. Its loopers are never run; use Pump.
func (t *Tester) Host() *host.Host { return t.host }

// Controller returns the controller of tree.
func (t *Tester) Controller(tree string) *core.Controller {
	t.t.Helper()
	c, ok := t.host.Controller(tree)
	if !ok {
		t.t.Fatalf("unknown tree %q", tree)
	}
	return c
}

// Pump drains every tree until no tree has queued work and returns the number
// of callbacks run.
func (t *Tester) Pump() int {
	t.t.Helper()
	total := 0
	for range maxPumpRounds {
		n := 0
		for _, tree := range t.host.Trees() {
			n += t.Controller(tree).Looper().Drain()
		}
		if n == 0 {
			return total
		}
		total += n
	}
	t.t.Fatal(ErrNotSettled)
	return total
}

// Create creates (or reuses) an instance in tree and activates it.
func (t *Tester) Create(tree string, parent *core.Instance, tag, typ string) *core.Instance {
	t.t.Helper()
	c := t.Controller(tree)
	inst, err := c.Create(parent, tag, typ)
	if err != nil {
		t.t.Fatalf("create %s %q: %v", typ, tag, err)
	}
	if err := c.Activate(inst); err != nil {
		t.t.Fatalf("activate %s: %v", inst, err)
	}
	return inst
}

// Suspend suspends inst.
func (t *Tester) Suspend(inst *core.Instance) {
	t.t.Helper()
	if err := t.controllerOf(inst).Suspend(inst); err != nil {
		t.t.Fatalf("suspend %s: %v", inst, err)
	}
}

// Resume activates a suspended inst.
func (t *Tester) Resume(inst *core.Instance) {
	t.t.Helper()
	if err := t.controllerOf(inst).Activate(inst); err != nil {
		t.t.Fatalf("resume %s: %v", inst, err)
	}
}

// Destroy finally destroys inst.
func (t *Tester) Destroy(inst *core.Instance) {
	t.t.Helper()
	if err := t.controllerOf(inst).Destroy(inst); err != nil {
		t.t.Fatalf("destroy %s: %v", inst, err)
	}
}

// Recreate simulates a configuration change: inst is torn down for
// recreation, and its replacement is built and activated. Tagged children of
// inst must be recreated by the caller through Create on the replacement.
func (t *Tester) Recreate(inst *core.Instance) *core.Instance {
	t.t.Helper()
	c := t.controllerOf(inst)
	if err := c.DestroyForRecreation(inst); err != nil {
		t.t.Fatalf("destroy %s for recreation: %v", inst, err)
	}
	next, err := c.Recreate(inst.Scope(), inst.Tag())
	if err != nil {
		t.t.Fatalf("recreate %s: %v", inst, err)
	}
	if err := c.Activate(next); err != nil {
		t.t.Fatalf("activate %s: %v", next, err)
	}
	return next
}

// Send resolves and dispatches desc, pumps, and returns the finished
// dispatch.
func (t *Tester) Send(desc routing.Descriptor) *routing.Dispatch {
	t.t.Helper()
	d, err := t.host.Send(desc)
	if err != nil {
		t.t.Fatalf("send: %v", err)
	}
	t.Pump()
	if _, err := d.Wait(context.Background()); err != nil {
		t.t.Fatalf("dispatch to %s: %v", d.Candidate.Type, err)
	}
	return d
}

// Instance returns the live instance with the given ID from any tree.
func (t *Tester) Instance(id string) *core.Instance {
	t.t.Helper()
	tree, ok := t.host.Locate(id)
	if !ok {
		t.t.Fatalf("no live instance %s", id)
	}
	inst, ok := t.Controller(tree).Instance(id)
	if !ok {
		t.t.Fatalf("instance %s missing from tree %s", id, tree)
	}
	return inst
}

// Events returns the lifecycle events observed so far, across all trees.
func (t *Tester) Events() []core.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events)
}

// Diagnostics returns the diagnostics reported so far, filtered to kinds if
// any are given.
func (t *Tester) Diagnostics(kinds ...relayerrors.ErrorKind) []*relayerrors.Diagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(kinds) == 0 {
		return slices.Clone(t.diagnostics)
	}
	var out []*relayerrors.Diagnostic
	for _, d := range t.diagnostics {
		if slices.Contains(kinds, d.Kind) {
			out = append(out, d)
		}
	}
	return out
}

// Errors returns the errors reported to the global handler.
func (t *Tester) Errors() []*relayerrors.RelayError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.errs)
}

// Panics returns the panics recovered so far.
func (t *Tester) Panics() []*relayerrors.PanicError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.panics)
}

func (t *Tester) HandleError(err *relayerrors.RelayError) {
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
}

func (t *Tester) HandleDiagnostic(d *relayerrors.Diagnostic) {
	t.mu.Lock()
	t.diagnostics = append(t.diagnostics, d)
	t.mu.Unlock()
}

func (t *Tester) HandlePanic(err *relayerrors.PanicError) {
	t.mu.Lock()
	t.panics = append(t.panics, err)
	t.mu.Unlock()
}

func (t *Tester) record(ev core.Event) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
}

func (t *Tester) controllerOf(inst *core.Instance) *core.Controller {
	t.t.Helper()
	if tree, ok := t.host.Locate(inst.ID()); ok {
		return t.Controller(tree)
	}
	// Instances that just left the directory still belong to their type's tree.
	spec, ok := t.host.Manifest().Lookup(inst.Type())
	if !ok {
		t.t.Fatalf("unknown type %q", inst.Type())
	}
	return t.Controller(spec.Tree)
}
