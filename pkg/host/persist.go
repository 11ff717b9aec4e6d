package host

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/state"
)

// SinkKey returns the sink key of a root tag in a tree.
func SinkKey(tree, tag string) string {
	return tree + "/" + tag
}

// Persist captures every live tagged root of every tree, children nested, and
// writes the bundles to the sink. Keys the sink held for a tree that no longer
// match a live root are deleted. It returns the number of bundles written.
//
// Persist may be called before Run or while the host is running; captures
// always happen on each tree's owning context.
func (h *Host) Persist(ctx context.Context) (int, error) {
	const op = "host.Persist"
	if h.sink == nil {
		return 0, relayerrors.Newf(op, relayerrors.KindConfig, "", "host has no sink")
	}
	written := 0
	for _, tree := range h.order {
		var bundles map[string]state.Bundle
		err := h.onTree(ctx, tree, func(c *core.Controller) error {
			bundles = make(map[string]state.Bundle)
			for _, root := range c.Roots() {
				if root.Tag() == "" {
					continue
				}
				b, err := c.Capture(root)
				if err != nil {
					return err
				}
				bundles[root.Tag()] = b
			}
			return nil
		})
		if err != nil {
			return written, err
		}

		for tag, b := range bundles {
			if err := h.sink.Put(ctx, SinkKey(tree, tag), b); err != nil {
				return written, err
			}
			written++
		}
		stale, err := h.sink.Keys(ctx, SinkKey(tree, ""))
		if err != nil {
			return written, err
		}
		for _, key := range stale {
			if _, ok := bundles[strings.TrimPrefix(key, SinkKey(tree, ""))]; ok {
				continue
			}
			if err := h.sink.Delete(ctx, key); err != nil {
				return written, err
			}
		}
	}
	h.log.Debug("persisted state", zap.Int("bundles", written))
	return written, nil
}

// Reload seeds every tree with the root bundles stored in the sink. The next
// root created under a reloaded tag restores its bundle, and its tagged
// children restore from the nested entries. Bundles for trees the manifest no
// longer declares are ignored. It returns the number of bundles seeded.
//
// Call Reload before the roots are created.
func (h *Host) Reload(ctx context.Context) (int, error) {
	const op = "host.Reload"
	if h.sink == nil {
		return 0, relayerrors.Newf(op, relayerrors.KindConfig, "", "host has no sink")
	}
	seeded := 0
	for _, tree := range h.order {
		prefix := SinkKey(tree, "")
		keys, err := h.sink.Keys(ctx, prefix)
		if err != nil {
			return seeded, err
		}
		bundles := make(map[string]state.Bundle, len(keys))
		for _, key := range keys {
			b, ok, err := h.sink.Get(ctx, key)
			if err != nil {
				return seeded, err
			}
			if ok {
				bundles[strings.TrimPrefix(key, prefix)] = b
			}
		}
		if len(bundles) == 0 {
			continue
		}
		err = h.onTree(ctx, tree, func(c *core.Controller) error {
			for tag, b := range bundles {
				c.Seed(tag, b)
			}
			return nil
		})
		if err != nil {
			return seeded, err
		}
		seeded += len(bundles)
	}
	h.log.Debug("reloaded state", zap.Int("bundles", seeded))
	return seeded, nil
}

// onTree runs fn on the tree's owning context: through its looper while the
// host runs, directly otherwise.
func (h *Host) onTree(ctx context.Context, tree string, fn func(*core.Controller) error) error {
	if h.running.Load() {
		return h.Do(ctx, tree, fn)
	}
	ctrl, ok := h.trees[tree]
	if !ok {
		return relayerrors.Newf("host.onTree", relayerrors.KindConfig, "", "unknown tree %q", tree)
	}
	return fn(ctrl)
}
