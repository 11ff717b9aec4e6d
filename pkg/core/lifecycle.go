package core

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/go-drift/relay/pkg/engine"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/state"
)

// Event describes one lifecycle transition. A creation event has
// From == To == StateCreated.
type Event struct {
	Tree     string
	Instance *Instance
	From     LifecycleState
	To       LifecycleState
	// Previous is the ID of the torn-down instance a Recreated replacement
	// took over from.
	Previous string
}

// EventHandler is called on the owning context after each transition.
type EventHandler func(Event)

// ViewStateAdapter captures and applies opaque presentation state (scroll
// position, focus, text). The fragment is stored under state.ViewKey and never
// interpreted.
type ViewStateAdapter interface {
	CaptureViewState(inst *Instance) (state.Bundle, error)
	ApplyViewState(inst *Instance, fragment state.Bundle) error
}

// Options configures a Controller.
type Options struct {
	// Tree names the component tree. Defaults to the manifest's default tree.
	Tree string
	// Manifest is the frozen component table. Required.
	Manifest *manifest.Manifest
	// Constructors build component behavior per type. Types without a
	// constructor get a bare Base.
	Constructors map[string]Constructor
	// ViewState is optional.
	ViewState ViewStateAdapter
	// Looper is the tree's owning context. A new one is created when nil.
	Looper *engine.Looper
}

// Controller moves the instances of one tree through their lifecycle and owns
// the bundles captured for them.
//
// Every operation first drains work already posted to the tree's looper, so a
// delivery posted before an operation is observed before it.
type Controller struct {
	tree     string
	looper   *engine.Looper
	registry *Registry
	manifest *manifest.Manifest
	ctors    map[string]Constructor
	view     ViewStateAdapter

	captured     map[string]state.Bundle // by tag key
	capturedByID map[string]state.Bundle
	pending      map[string]*Instance // torn down for recreation, by tag key

	hmu         sync.Mutex
	handlers    []handlerEntry
	nextHandler int
}

type handlerEntry struct {
	id int
	fn EventHandler
}

// NewController creates the controller for one tree.
func NewController(opts Options) (*Controller, error) {
	if opts.Manifest == nil || !opts.Manifest.Frozen() {
		return nil, relayerrors.Newf("core.NewController", relayerrors.KindConfig, "", "a frozen manifest is required")
	}
	tree := opts.Tree
	if tree == "" {
		tree = opts.Manifest.DefaultTree
	}
	looper := opts.Looper
	if looper == nil {
		looper = engine.NewLooper(tree)
	}
	return &Controller{
		tree:         tree,
		looper:       looper,
		registry:     NewRegistry(),
		manifest:     opts.Manifest,
		ctors:        maps.Clone(opts.Constructors),
		view:         opts.ViewState,
		captured:     make(map[string]state.Bundle),
		capturedByID: make(map[string]state.Bundle),
		pending:      make(map[string]*Instance),
	}, nil
}

// Tree returns the tree name.
func (c *Controller) Tree() string { return c.tree }

// Looper returns the tree's owning context.
func (c *Controller) Looper() *engine.Looper { return c.looper }

// Registry returns the tree's registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Manifest returns the component table.
func (c *Controller) Manifest() *manifest.Manifest { return c.manifest }

// AddHandler registers a handler to be called on lifecycle transitions.
// Returns a function that can be called to remove the handler.
func (c *Controller) AddHandler(handler EventHandler) func() {
	c.hmu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: handler})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		c.handlers = slices.DeleteFunc(c.handlers, func(e handlerEntry) bool { return e.id == id })
	}
}

// Captured returns the bundle captured for a tag key.
func (c *Controller) Captured(key string) (state.Bundle, bool) {
	b, ok := c.captured[key]
	return b, ok
}

// CapturedByID returns the last bundle captured for an instance.
func (c *Controller) CapturedByID(id string) (state.Bundle, bool) {
	b, ok := c.capturedByID[id]
	return b, ok
}

// Seed installs a bundle for a tag key, typically one reloaded from a durable
// sink after process restart. The next instance created under key restores it.
func (c *Controller) Seed(key string, b state.Bundle) {
	c.captured[key] = b
}

// PendingRecreation returns the torn-down instance waiting for a replacement
// under key.
func (c *Controller) PendingRecreation(key string) (*Instance, bool) {
	inst, ok := c.pending[key]
	return inst, ok
}

// Create returns the live instance tagged tag under parent (nil for a root),
// creating it when absent. It is safe to call on every (re)initialization of
// the parent. When a torn-down instance is pending recreation under the same
// tag key, the new instance restores its captured bundle and enters
// StateRecreated.
func (c *Controller) Create(parent *Instance, tag, typ string) (*Instance, error) {
	c.looper.Drain()
	return c.obtain(parent, tag, typ)
}

// Activate moves a Created, Recreated or Suspended instance to Active, along
// with its attached children.
func (c *Controller) Activate(inst *Instance) error {
	c.looper.Drain()
	switch inst.state {
	case StateActive:
		return nil
	case StateCreated, StateRecreated, StateSuspended:
		c.activate(inst)
		return nil
	default:
		return c.illegal("core.Controller.Activate", inst)
	}
}

// Suspend captures the instance's state into a bundle keyed by its ID and tag
// key, suspending and capturing its children first. Capture always happens,
// whether or not recreation follows. Suspending a Suspended instance captures
// again.
func (c *Controller) Suspend(inst *Instance) error {
	c.looper.Drain()
	if !inst.state.Live() {
		return c.illegal("core.Controller.Suspend", inst)
	}
	c.suspend(inst)
	return nil
}

// Capture snapshots the instance and its children without a transition.
func (c *Controller) Capture(inst *Instance) (state.Bundle, error) {
	c.looper.Drain()
	if !inst.state.Live() {
		return state.Bundle{}, c.illegal("core.Controller.Capture", inst)
	}
	return c.captureTree(inst), nil
}

// DestroyForRecreation tears down a tagged instance so a replacement can be
// built under the same tag key. The instance is suspended first if needed, so
// a capture has always happened. Non-retained children are torn down with it;
// retained children are detached and stay registered for the replacement to
// claim.
func (c *Controller) DestroyForRecreation(inst *Instance) error {
	c.looper.Drain()
	const op = "core.Controller.DestroyForRecreation"
	if !inst.state.Live() {
		return c.illegal(op, inst)
	}
	if inst.tag == "" {
		return relayerrors.Newf(op, relayerrors.KindLifecycle, inst.typ, "untagged instance %s cannot be recreated", inst)
	}
	if inst.state != StateSuspended {
		c.suspend(inst)
	}
	c.tearDown(inst)
	return nil
}

// Recreate returns the instance for (scope, tag) after a recreation. A
// retained instance is returned unchanged. Otherwise a fresh instance of the
// torn-down type is built and its captured bundle applied. With nothing torn
// down, a bundle seeded under a single-launch type's own tag is restored into
// a fresh instance of that type; any other seeded tag needs Create.
func (c *Controller) Recreate(scope, tag string) (*Instance, error) {
	c.looper.Drain()
	const op = "core.Controller.Recreate"
	owner, err := c.scopeOwner(scope)
	if err != nil {
		return nil, err
	}
	if inst, ok := c.registry.LookupByTag(scope, tag); ok {
		if owner != nil && inst.Parent() == nil {
			inst.attach(owner)
		}
		return inst, nil
	}
	key := TagKey(scope, tag)
	if prev, ok := c.pending[key]; ok {
		return c.obtain(owner, tag, prev.typ)
	}
	// A seeded bundle carries no type; single-launch tags name their type.
	if _, seeded := c.captured[key]; seeded {
		if spec, ok := c.manifest.Lookup(tag); ok && spec.Launch == manifest.LaunchSingle {
			return c.obtain(owner, tag, spec.Type)
		}
	}
	return nil, relayerrors.Newf(op, relayerrors.KindLifecycle, "",
		"nothing pending recreation under %q; use Create with the component type", key)
}

// Destroy finally destroys an instance and everything it owns, retained
// children included, and discards their captured bundles. Destroying an
// instance pending recreation abandons the recreation.
func (c *Controller) Destroy(inst *Instance) error {
	c.looper.Drain()
	if inst.state == StateDestroyed {
		return nil
	}
	c.destroy(inst)
	return nil
}

// Instance returns the live instance with the given ID.
func (c *Controller) Instance(id string) (*Instance, bool) {
	return c.registry.ByID(id)
}

// Roots returns the live instances registered in the root scope.
func (c *Controller) Roots() []*Instance {
	var out []*Instance
	for _, inst := range c.registry.Instances() {
		if inst.scope == "" {
			out = append(out, inst)
		}
	}
	return out
}

func (c *Controller) obtain(parent *Instance, tag, typ string) (*Instance, error) {
	const op = "core.Controller.Create"
	spec, ok := c.manifest.Lookup(typ)
	if !ok {
		return nil, relayerrors.Newf(op, relayerrors.KindValidation, typ, "unknown component type")
	}
	if parent != nil && !parent.state.Live() {
		return nil, relayerrors.Newf(op, relayerrors.KindLifecycle, typ, "parent %s is not live", parent)
	}
	scope := ""
	if parent != nil {
		scope = parent.ChildScope()
	}
	if tag != "" {
		if prev, ok := c.pending[TagKey(scope, tag)]; ok && prev.typ != typ {
			return nil, relayerrors.Newf(op, relayerrors.KindDuplicateTag, typ,
				"tag %q is pending recreation as %q", TagKey(scope, tag), prev.typ)
		}
	}

	inst, created, err := c.registry.RegisterOrReuse(scope, tag, typ, func() (*Instance, error) {
		return c.construct(scope, tag, spec), nil
	})
	if err != nil {
		return nil, err
	}
	if !created {
		if parent != nil && inst.Parent() == nil {
			inst.attach(parent)
		}
		return inst, nil
	}
	inst.attach(parent)
	c.initialize(inst, spec)
	return inst, nil
}

func (c *Controller) construct(scope, tag string, spec *manifest.ComponentSpec) *Instance {
	inst := &Instance{
		id:       uuid.NewString(),
		tag:      tag,
		scope:    scope,
		typ:      spec.Type,
		kind:     spec.Kind,
		retained: spec.Retained,
		store:    state.NewStore(),
	}
	inst.store.SetOwner(inst.id)
	if ctor, ok := c.ctors[spec.Type]; ok && ctor != nil {
		inst.component = ctor()
	}
	if inst.component == nil {
		inst.component = &Base{}
	}
	return inst
}

// initialize applies type defaults, then the captured bundle if there is one,
// then runs the creation hooks.
func (c *Controller) initialize(inst *Instance, spec *manifest.ComponentSpec) {
	inst.store.Restore(spec.DefaultState())
	saved, restored := c.savedState(inst)
	if restored {
		inst.store.Restore(saved)
		if fragment, ok := saved.Sub(state.ViewKey); ok && c.view != nil {
			if err := c.view.ApplyViewState(inst, fragment); err != nil {
				c.warn("core.Controller.restore", inst, state.ViewKey, err)
			}
		}
	}

	c.hook(inst, "Attach", func() { inst.component.Attach(inst) })

	key := inst.TagKey()
	prev, recreating := c.pending[key]
	if key != "" && recreating {
		delete(c.pending, key)
		delete(c.capturedByID, prev.id)
		prev.state = StateDestroyed
		inst.state = StateRecreated
	} else {
		inst.state = StateCreated
	}
	if h, ok := inst.component.(Creator); ok {
		c.hook(inst, "OnCreate", func() { h.OnCreate(restored) })
	}
	if inst.state == StateRecreated {
		c.emit(Event{Instance: inst, From: StatePendingRecreation, To: StateRecreated, Previous: prev.id})
	} else {
		c.emit(Event{Instance: inst, From: StateCreated, To: StateCreated})
	}
}

// savedState finds the bundle to restore: the instance's own capture first,
// then the entry nested in its parent's restored store.
func (c *Controller) savedState(inst *Instance) (state.Bundle, bool) {
	key := inst.TagKey()
	if key == "" {
		return state.Bundle{}, false
	}
	if b, ok := c.captured[key]; ok {
		return b, true
	}
	if p := inst.Parent(); p != nil {
		return p.store.Child(inst.tag)
	}
	return state.Bundle{}, false
}

func (c *Controller) activate(inst *Instance) {
	from := inst.state
	inst.state = StateActive
	if h, ok := inst.component.(Activator); ok {
		c.hook(inst, "OnActivate", h.OnActivate)
	}
	c.emit(Event{Instance: inst, From: from, To: StateActive})
	for _, child := range inst.Children() {
		switch child.state {
		case StateCreated, StateRecreated, StateSuspended:
			c.activate(child)
		}
	}
}

func (c *Controller) suspend(inst *Instance) {
	for _, child := range inst.Children() {
		c.suspend(child)
	}
	if inst.state != StateSuspended {
		if h, ok := inst.component.(Suspender); ok {
			c.hook(inst, "OnSuspend", h.OnSuspend)
		}
		from := inst.state
		inst.state = StateSuspended
		c.emit(Event{Instance: inst, From: from, To: StateSuspended})
	}
	c.capture(inst)
}

func (c *Controller) captureTree(inst *Instance) state.Bundle {
	for _, child := range inst.children {
		c.captureTree(child)
	}
	return c.capture(inst)
}

// capture nests the children's latest bundles and the view fragment into the
// store, then snapshots it.
func (c *Controller) capture(inst *Instance) state.Bundle {
	for _, child := range inst.children {
		if child.tag == "" {
			continue
		}
		if b, ok := c.capturedByID[child.id]; ok {
			inst.store.PutChild(child.tag, b)
		}
	}
	if c.view != nil {
		var fragment state.Bundle
		var err error
		if perr := relayerrors.Guard("core.ViewStateAdapter.CaptureViewState", func() {
			fragment, err = c.view.CaptureViewState(inst)
		}); perr != nil {
			err = perr
		}
		if err != nil {
			c.warn("core.Controller.capture", inst, state.ViewKey, err)
		} else {
			inst.store.PutReserved(state.ViewKey, fragment)
		}
	}

	b := inst.store.Snapshot()
	c.capturedByID[inst.id] = b
	if key := inst.TagKey(); key != "" {
		c.captured[key] = b
	}
	return b
}

// tearDown moves inst and its non-retained subtree to PendingRecreation.
// Untagged children have no identity to recreate under and are destroyed.
func (c *Controller) tearDown(inst *Instance) {
	for _, child := range inst.Children() {
		switch {
		case child.retained:
			child.detach()
		case child.tag == "":
			c.destroy(child)
		default:
			c.tearDown(child)
		}
	}
	c.dispose(inst)
	c.registry.unregister(inst)
	inst.detach()
	inst.children = nil

	from := inst.state
	inst.state = StatePendingRecreation
	c.pending[inst.TagKey()] = inst
	c.emit(Event{Instance: inst, From: from, To: StatePendingRecreation})
}

func (c *Controller) destroy(inst *Instance) {
	for _, child := range inst.Children() {
		c.destroy(child)
	}

	// Detached retained instances and abandoned recreations under this scope.
	scope := inst.ChildScope()
	for _, orphan := range c.registry.InScope(scope) {
		if orphan.state != StateDestroyed {
			c.destroy(orphan)
		}
	}
	prefix := scope + ScopeSeparator
	for _, key := range slices.Sorted(maps.Keys(c.pending)) {
		if p, ok := c.pending[key]; ok && strings.HasPrefix(key, prefix) {
			c.destroy(p)
		}
	}

	if inst.state.Live() {
		c.dispose(inst)
		c.registry.unregister(inst)
	}
	inst.detach()
	inst.children = nil

	key := inst.TagKey()
	if key != "" {
		delete(c.captured, key)
		if c.pending[key] == inst {
			delete(c.pending, key)
		}
	}
	for k := range c.captured {
		if strings.HasPrefix(k, prefix) {
			delete(c.captured, k)
		}
	}
	delete(c.capturedByID, inst.id)

	from := inst.state
	inst.state = StateDestroyed
	c.emit(Event{Instance: inst, From: from, To: StateDestroyed})
}

func (c *Controller) dispose(inst *Instance) {
	if h, ok := inst.component.(Disposer); ok {
		c.hook(inst, "Dispose", h.Dispose)
	}
}

func (c *Controller) scopeOwner(scope string) (*Instance, error) {
	if scope == "" {
		return nil, nil
	}
	var owner *Instance
	var ok bool
	if id, untagged := strings.CutPrefix(scope, "#"); untagged {
		owner, ok = c.registry.ByID(id)
	} else {
		owner, ok = c.registry.byKey[scope]
	}
	if !ok {
		return nil, relayerrors.Newf("core.Controller.Recreate", relayerrors.KindLifecycle, "", "owner of scope %q is not live", scope)
	}
	return owner, nil
}

// hook runs a component hook, reporting a panic against the component's type
// instead of propagating it.
func (c *Controller) hook(inst *Instance, name string, fn func()) {
	err := relayerrors.Guard("core."+name, fn)
	var re *relayerrors.RelayError
	if errors.As(err, &re) {
		re.Component = inst.typ
		relayerrors.Report(re)
	}
}

func (c *Controller) emit(ev Event) {
	ev.Tree = c.tree
	c.hmu.Lock()
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.hmu.Unlock()

	for _, h := range handlers {
		func() {
			defer relayerrors.Recover("core.Controller.emit")
			h.fn(ev)
		}()
	}
}

func (c *Controller) warn(op string, inst *Instance, key string, err error) {
	relayerrors.Diagnose(&relayerrors.Diagnostic{
		Op:         op,
		Kind:       relayerrors.KindCaptureWarning,
		InstanceID: inst.id,
		Key:        key,
		Err:        err,
	})
}

func (c *Controller) illegal(op string, inst *Instance) error {
	return relayerrors.Newf(op, relayerrors.KindLifecycle, inst.typ, "illegal transition from %s", inst.state)
}
