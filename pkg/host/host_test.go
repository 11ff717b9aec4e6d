package host

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/platform"
	"github.com/go-drift/relay/pkg/results"
	"github.com/go-drift/relay/pkg/routing"
	"github.com/go-drift/relay/pkg/state"
)

const hostManifest = `
version: v1.2.0
components:
  - type: inbox
    defaults:
      folder: all
  - type: list
    kind: panel
  - type: picker
    tree: background
    filters:
      - action: PICK
        categories: [DEFAULT]
        data:
          - mimeType: image/*
`

type inbox struct {
	core.Base
	results chan results.Result
}

func (i *inbox) OnResult(r results.Result) { i.results <- r }

func newHost(t *testing.T, sink platform.Sink, reg prometheus.Registerer) *Host {
	t.Helper()
	m, err := manifest.Parse([]byte(hostManifest))
	require.NoError(t, err)
	h, err := New(Options{
		Manifest: m,
		Constructors: map[string]core.Constructor{
			"inbox": func() core.Component { return &inbox{results: make(chan results.Result, 1)} },
		},
		Sink:       sink,
		Registerer: reg,
	})
	require.NoError(t, err)
	return h
}

// start runs h until the test ends.
func start(t *testing.T, h *Host) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.Eventually(t, h.Running, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		h.Close()
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func create(t *testing.T, h *Host, tree, tag, typ string) string {
	t.Helper()
	var id string
	err := h.Do(testContext(t), tree, func(c *core.Controller) error {
		inst, err := c.Create(nil, tag, typ)
		if err != nil {
			return err
		}
		id = inst.ID()
		return c.Activate(inst)
	})
	require.NoError(t, err)
	return id
}

func TestNewBuildsOneControllerPerTree(t *testing.T) {
	h := newHost(t, nil, nil)
	assert.Equal(t, []string{"main", "background"}, h.Trees())
	for _, tree := range h.Trees() {
		c, ok := h.Controller(tree)
		require.True(t, ok)
		assert.Equal(t, tree, c.Tree())
	}
	_, ok := h.Controller("nope")
	assert.False(t, ok)
	assert.Nil(t, h.Metrics())
}

func TestNewRequiresManifest(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindConfig))
}

func TestDoRequiresRunningHost(t *testing.T) {
	h := newHost(t, nil, nil)
	err := h.Do(context.Background(), "main", func(*core.Controller) error { return nil })
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindLifecycle))

	start(t, h)
	err = h.Do(context.Background(), "elsewhere", func(*core.Controller) error { return nil })
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindConfig))
}

func TestRunTwiceFails(t *testing.T) {
	h := newHost(t, nil, nil)
	start(t, h)
	err := h.Run(context.Background())
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindLifecycle))
}

func TestDoRecoversPanics(t *testing.T) {
	h := newHost(t, nil, nil)
	start(t, h)
	err := h.Do(testContext(t), "main", func(*core.Controller) error { panic("boom") })
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindPanic))

	// The tree keeps running.
	create(t, h, "main", "inbox", "inbox")
}

func TestDirectoryTracksInstances(t *testing.T) {
	h := newHost(t, nil, nil)
	start(t, h)

	main := create(t, h, "main", "inbox", "inbox")
	bg := create(t, h, "background", "picker", "picker")

	tree, ok := h.Locate(main)
	require.True(t, ok)
	assert.Equal(t, "main", tree)
	tree, ok = h.Locate(bg)
	require.True(t, ok)
	assert.Equal(t, "background", tree)

	require.NoError(t, h.Do(testContext(t), "main", func(c *core.Controller) error {
		inst, _ := c.Instance(main)
		return c.Destroy(inst)
	}))
	_, ok = h.Locate(main)
	assert.False(t, ok)
}

func TestCrossTreeResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHost(t, nil, reg)
	start(t, h)
	origin := create(t, h, "main", "inbox", "inbox")

	d, err := h.Send(routing.Descriptor{
		Target:        routing.Implicit{Action: "PICK", Categories: []string{manifest.CategoryDefault}, Data: routing.Data{MimeType: "image/png"}},
		ExpectsResult: true,
		Origin:        origin,
	})
	require.NoError(t, err)
	pickerID, err := d.Wait(testContext(t))
	require.NoError(t, err)
	tree, _ := h.Locate(pickerID)
	assert.Equal(t, "background", tree)

	require.NoError(t, h.Do(testContext(t), "background", func(c *core.Controller) error {
		picker, _ := c.Instance(pickerID)
		return h.Results().Reply(picker, state.MustBundle(map[string]any{"uri": "photo:1"}), results.OutcomeOK)
	}))

	var box *inbox
	require.NoError(t, h.Do(testContext(t), "main", func(c *core.Controller) error {
		inst, _ := c.Instance(origin)
		box = inst.Component().(*inbox)
		return nil
	}))
	select {
	case r := <-box.results:
		assert.Equal(t, "photo:1", r.Payload.String("uri", ""))
	case <-time.After(time.Second):
		t.Fatal("result never reached the origin")
	}

	m := h.Metrics()
	require.NotNil(t, m)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LiveInstances.WithLabelValues("main")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LiveInstances.WithLabelValues("background")))
}

func TestPersistAndReload(t *testing.T) {
	ctx := testContext(t)
	sink := platform.NewMemorySink(nil)
	require.NoError(t, sink.Put(ctx, SinkKey("main", "gone"), state.Bundle{}))

	first := newHost(t, sink, nil)
	start(t, first)
	require.NoError(t, first.Do(ctx, "main", func(c *core.Controller) error {
		root, err := c.Create(nil, "inbox", "inbox")
		if err != nil {
			return err
		}
		list, err := c.Create(root, "list", "list")
		if err != nil {
			return err
		}
		if err := root.Store().Put("folder", "archive"); err != nil {
			return err
		}
		return list.Store().Put("scroll", 480)
	}))
	// Untagged roots have no stable identity and are not persisted.
	require.NoError(t, first.Do(ctx, "background", func(c *core.Controller) error {
		_, err := c.Create(nil, "", "picker")
		return err
	}))

	n, err := first.Persist(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	keys, err := sink.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"main/inbox"}, keys, "stale keys are removed")

	// A second process reloads before building its roots.
	second := newHost(t, sink, nil)
	n, err = second.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	start(t, second)

	require.NoError(t, second.Do(ctx, "main", func(c *core.Controller) error {
		root, err := c.Create(nil, "inbox", "inbox")
		if err != nil {
			return err
		}
		list, err := c.Create(root, "list", "list")
		if err != nil {
			return err
		}
		assert.Equal(t, "archive", root.Store().GetString("folder", ""))
		assert.Equal(t, int64(480), list.Store().GetInt("scroll", 0))
		return nil
	}))
}

func TestPersistNeedsSink(t *testing.T) {
	h := newHost(t, nil, nil)
	_, err := h.Persist(context.Background())
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindConfig))
	_, err = h.Reload(context.Background())
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindConfig))
}

func TestCloseStopsRun(t *testing.T) {
	h := newHost(t, nil, nil)
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	require.Eventually(t, h.Running, time.Second, time.Millisecond)

	h.Close()
	h.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
