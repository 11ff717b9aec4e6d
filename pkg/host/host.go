// Package host runs every component tree declared by a manifest and wires the
// shared services between them: the message router, the result correlator,
// metrics and the durable sink.
//
// Each tree gets its own controller and looper. Run drives all loopers until
// the context is cancelled; Do executes work on one tree's owning context.
//
//	h, err := host.New(host.Options{Manifest: m, Constructors: ctors})
//	if err != nil {
//	    return err
//	}
//	go h.Run(ctx)
//	err = h.Do(ctx, "main", func(c *core.Controller) error {
//	    _, err := c.Create(nil, "inbox", "inbox")
//	    return err
//	})
package host

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/metrics"
	"github.com/go-drift/relay/pkg/platform"
	"github.com/go-drift/relay/pkg/results"
	"github.com/go-drift/relay/pkg/routing"
)

// Options configures a Host.
type Options struct {
	// Manifest is required and frozen by New if it is not already.
	Manifest *manifest.Manifest
	// Constructors build component behavior per type.
	Constructors map[string]core.Constructor
	// ViewState is shared by every tree. Optional.
	ViewState core.ViewStateAdapter
	// Sink enables Persist and Reload. Optional; the host does not close it.
	Sink platform.Sink
	// Registerer receives the host's collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	// CacheSize is passed to the router.
	CacheSize int
	// Logger defaults to errors.Logger().
	Logger *zap.Logger
}

// Host owns the trees of one manifest.
type Host struct {
	manifest *manifest.Manifest
	trees    map[string]*core.Controller
	order    []string

	// directory maps live instance IDs to tree names. It never holds
	// instance handles; those stay on their tree's owning context.
	directory cmap.ConcurrentMap[string, string]

	router  *routing.Router
	results *results.Correlator
	metrics *metrics.Metrics
	sink    platform.Sink
	log     *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	unsubs  []func()
	closed  bool
}

// New creates a controller per tree and wires the router and correlator
// across them.
func New(opts Options) (*Host, error) {
	const op = "host.New"
	if opts.Manifest == nil {
		return nil, relayerrors.Newf(op, relayerrors.KindConfig, "", "manifest is required")
	}
	if err := opts.Manifest.Freeze(); err != nil {
		return nil, err
	}

	h := &Host{
		manifest:  opts.Manifest,
		trees:     make(map[string]*core.Controller),
		directory: cmap.New[string](),
		sink:      opts.Sink,
		log:       opts.Logger,
	}
	if h.log == nil {
		h.log = relayerrors.Logger()
	}
	if opts.Registerer != nil {
		m, err := metrics.New(opts.Registerer)
		if err != nil {
			return nil, err
		}
		h.metrics = m
	}
	h.results = results.New(h.metrics)

	for _, tree := range opts.Manifest.Trees() {
		ctrl, err := core.NewController(core.Options{
			Tree:         tree,
			Manifest:     opts.Manifest,
			Constructors: opts.Constructors,
			ViewState:    opts.ViewState,
		})
		if err != nil {
			return nil, err
		}
		h.trees[tree] = ctrl
		h.order = append(h.order, tree)
		h.unsubs = append(h.unsubs, ctrl.AddHandler(h.track))
		if h.metrics != nil {
			h.unsubs = append(h.unsubs, ctrl.AddHandler(h.metrics.ObserveTransition))
		}
		h.results.Attach(ctrl)
	}

	router, err := routing.NewRouter(opts.Manifest, routing.Options{
		CacheSize: opts.CacheSize,
		Trees:     h,
		Results:   h.results,
		Metrics:   h.metrics,
	})
	if err != nil {
		return nil, err
	}
	h.router = router
	return h, nil
}

// track keeps the cross-tree directory in step with lifecycle events.
func (h *Host) track(ev core.Event) {
	switch ev.To {
	case core.StateDestroyed, core.StatePendingRecreation:
		h.directory.Remove(ev.Instance.ID())
	default:
		h.directory.Set(ev.Instance.ID(), ev.Tree)
	}
}

// Controller returns the controller of a tree.
func (h *Host) Controller(tree string) (*core.Controller, bool) {
	c, ok := h.trees[tree]
	return c, ok
}

// Trees returns the tree names, default tree first.
func (h *Host) Trees() []string { return slices.Clone(h.order) }

// Manifest returns the host's frozen manifest.
func (h *Host) Manifest() *manifest.Manifest { return h.manifest }

// Router returns the message router.
func (h *Host) Router() *routing.Router { return h.router }

// Results returns the result correlator.
func (h *Host) Results() *results.Correlator { return h.results }

// Metrics returns the host collectors, or nil if metrics are disabled.
func (h *Host) Metrics() *metrics.Metrics { return h.metrics }

// Locate returns the tree a live instance belongs to. It is safe to call from
// any goroutine.
func (h *Host) Locate(id string) (string, bool) {
	return h.directory.Get(id)
}

// Send resolves desc and dispatches it to the best candidate.
func (h *Host) Send(desc routing.Descriptor) (*routing.Dispatch, error) {
	return h.router.Send(desc)
}

// Run drives every tree's looper until ctx is done or Close is called.
// Cancellation of ctx is a normal shutdown and returns nil.
func (h *Host) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return relayerrors.Newf("host.Run", relayerrors.KindLifecycle, "", "host already running")
	}
	defer h.running.Store(false)

	h.log.Info("host starting", zap.Strings("trees", h.order))
	g, gctx := errgroup.WithContext(ctx)
	for _, tree := range h.order {
		looper := h.trees[tree].Looper()
		g.Go(func() error {
			return looper.Run(gctx)
		})
	}
	err := g.Wait()
	h.log.Info("host stopped", zap.Error(err))
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Running reports whether Run is active.
func (h *Host) Running() bool { return h.running.Load() }

// Do runs fn on the owning context of tree and waits for it. The host must be
// running. If ctx ends first Do returns ctx.Err(); fn still runs later.
func (h *Host) Do(ctx context.Context, tree string, fn func(*core.Controller) error) error {
	const op = "host.Do"
	ctrl, ok := h.trees[tree]
	if !ok {
		return relayerrors.Newf(op, relayerrors.KindConfig, "", "unknown tree %q", tree)
	}
	if !h.running.Load() {
		return relayerrors.Newf(op, relayerrors.KindLifecycle, "", "host is not running")
	}
	done := make(chan error, 1)
	posted := ctrl.Looper().Post(func() {
		var err error
		if perr := relayerrors.Guard(op, func() { err = fn(ctrl) }); perr != nil {
			err = perr
		}
		done <- err
	})
	if !posted {
		return relayerrors.Newf(op, relayerrors.KindLifecycle, "", "tree %q is closed", tree)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every looper and detaches the correlator. Work already queued
// still runs if Run is active. The sink is left open.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()

	for _, tree := range h.order {
		h.trees[tree].Looper().Close()
	}
	h.results.Close()
	for _, unsub := range unsubs {
		unsub()
	}
}
