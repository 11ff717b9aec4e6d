// Package manifest holds the static table that maps component types to their
// declared capability filters and default policy.
//
// A Manifest is built once at startup (usually from YAML), validated, and
// frozen. After Freeze it is read-only and safe to share between trees:
//
//	m, err := manifest.Load("relay.yaml")
//	if err != nil {
//	    return err
//	}
//	spec, ok := m.Lookup("compose")
//
// The YAML form:
//
//	version: v1.0.0
//	defaultTree: main
//	components:
//	  - type: compose
//	    kind: screen
//	    launch: single
//	    defaults:
//	      draft: ""
//	    filters:
//	      - action: SEND
//	        categories: [DEFAULT]
//	        data:
//	          - mimeType: text/plain
package manifest

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/state"
)

// SupportedMajor is the manifest schema major version this build reads.
const SupportedMajor = "v1"

// DefaultTreeName is used when a manifest does not name a default tree.
const DefaultTreeName = "main"

// ErrFrozen is returned when mutating a frozen manifest.
var ErrFrozen = errors.New("manifest is frozen")

// Kind is the closed set of component kinds.
type Kind string

const (
	// KindScreen is a top-level UI-owning component.
	KindScreen Kind = "screen"
	// KindPanel is a UI-owning component nested inside a screen.
	KindPanel Kind = "panel"
	// KindWorker owns no UI; it is typically retained across its owner's
	// recreation.
	KindWorker Kind = "worker"
)

func (k Kind) valid() bool {
	switch k {
	case KindScreen, KindPanel, KindWorker:
		return true
	}
	return false
}

// LaunchMode decides how dispatch picks a tag for a component type.
type LaunchMode string

const (
	// LaunchSingle reuses one instance per tree, tagged with the type name.
	LaunchSingle LaunchMode = "single"
	// LaunchStandard creates a fresh untagged instance per dispatch.
	LaunchStandard LaunchMode = "standard"
)

// ComponentSpec is the declared policy of one component type.
type ComponentSpec struct {
	Type     string         `yaml:"type"`
	Kind     Kind           `yaml:"kind"`
	Tree     string         `yaml:"tree,omitempty"`
	Launch   LaunchMode     `yaml:"launch,omitempty"`
	Retained bool           `yaml:"retained,omitempty"`
	Defaults map[string]any `yaml:"defaults,omitempty"`
	Filters  []Filter       `yaml:"filters,omitempty"`

	defaults state.Bundle
	order    int
}

// DefaultState returns the type defaults applied to fresh instances before any
// captured bundle is restored.
func (c *ComponentSpec) DefaultState() state.Bundle {
	return c.defaults
}

// Order returns the declaration index of the component in its manifest.
func (c *ComponentSpec) Order() int {
	return c.order
}

// Manifest is the component table.
type Manifest struct {
	Version     string          `yaml:"version"`
	DefaultTree string          `yaml:"defaultTree,omitempty"`
	Components  []ComponentSpec `yaml:"components"`

	index  map[string]int
	frozen bool
}

// New returns an empty, unfrozen manifest for programmatic construction.
func New(version string) *Manifest {
	return &Manifest{Version: version, index: make(map[string]int)}
}

// Add appends a component declaration. Declaration order is significant: it
// breaks ties between equally specific filters.
func (m *Manifest) Add(spec ComponentSpec) error {
	if m.frozen {
		return ErrFrozen
	}
	m.Components = append(m.Components, spec)
	return nil
}

// Load reads, validates and freezes a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, relayerrors.New("manifest.Load", relayerrors.KindConfig, "", fmt.Errorf("failed to read %s: %w", path, err))
	}
	return Parse(data)
}

// Parse decodes, validates and freezes a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, relayerrors.New("manifest.Parse", relayerrors.KindConfig, "", fmt.Errorf("failed to parse manifest: %w", err))
	}
	if err := m.Freeze(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Freeze validates the manifest, compiles patterns, and makes it read-only.
// Freeze is idempotent.
func (m *Manifest) Freeze() error {
	if m.frozen {
		return nil
	}
	if err := m.validate(); err != nil {
		return err
	}
	m.frozen = true
	return nil
}

// Frozen reports whether Freeze has completed.
func (m *Manifest) Frozen() bool {
	return m.frozen
}

func (m *Manifest) validate() error {
	fail := func(component, format string, args ...any) error {
		return relayerrors.Newf("manifest.Freeze", relayerrors.KindConfig, component, format, args...)
	}

	if !semver.IsValid(m.Version) {
		return fail("", "version %q is not a valid semantic version", m.Version)
	}
	if major := semver.Major(m.Version); major != SupportedMajor {
		return fail("", "manifest version %s not supported (want %s.x)", m.Version, SupportedMajor)
	}
	if m.DefaultTree == "" {
		m.DefaultTree = DefaultTreeName
	}
	if strings.Contains(m.DefaultTree, "/") {
		return fail("", "tree name %q contains '/'", m.DefaultTree)
	}

	m.index = make(map[string]int, len(m.Components))
	for i := range m.Components {
		c := &m.Components[i]
		if c.Type == "" {
			return fail("", "component %d has no type", i)
		}
		if _, dup := m.index[c.Type]; dup {
			return fail(c.Type, "component type declared twice")
		}
		if c.Kind == "" {
			c.Kind = KindScreen
		}
		if !c.Kind.valid() {
			return fail(c.Type, "unknown kind %q", c.Kind)
		}
		switch c.Launch {
		case "":
			c.Launch = LaunchSingle
		case LaunchSingle, LaunchStandard:
		default:
			return fail(c.Type, "unknown launch mode %q", c.Launch)
		}
		if c.Retained && c.Launch == LaunchStandard {
			return fail(c.Type, "retained components need a stable tag; launch must be %q", LaunchSingle)
		}
		if c.Tree == "" {
			c.Tree = m.DefaultTree
		}
		if strings.Contains(c.Tree, "/") {
			return fail(c.Type, "tree name %q contains '/'", c.Tree)
		}
		defaults, err := state.BundleOf(normalizeDefaults(c.Defaults))
		if err != nil {
			return fail(c.Type, "invalid defaults: %v", err)
		}
		c.defaults = defaults
		c.order = i
		for j := range c.Filters {
			if err := c.Filters[j].compile(); err != nil {
				return fail(c.Type, "filter %d: %v", j, err)
			}
		}
		m.index[c.Type] = i
	}
	return nil
}

// Lookup returns the declaration for a component type.
func (m *Manifest) Lookup(typ string) (*ComponentSpec, bool) {
	i, ok := m.index[typ]
	if !ok {
		return nil, false
	}
	return &m.Components[i], true
}

// Types returns all component types in declaration order.
func (m *Manifest) Types() []string {
	types := make([]string, len(m.Components))
	for i, c := range m.Components {
		types[i] = c.Type
	}
	return types
}

// Trees returns the distinct tree names referenced by the manifest, default
// tree first.
func (m *Manifest) Trees() []string {
	trees := []string{m.DefaultTree}
	for _, c := range m.Components {
		if !slices.Contains(trees, c.Tree) {
			trees = append(trees, c.Tree)
		}
	}
	return trees
}

// normalizeDefaults converts YAML-decoded shapes into bundle-representable
// values: string lists become []string and nested maps become Bundles.
func normalizeDefaults(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		b, err := state.BundleOf(normalizeDefaults(x))
		if err != nil {
			return x
		}
		return b
	case []any:
		ss := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return x
			}
			ss = append(ss, s)
		}
		return ss
	}
	return v
}
