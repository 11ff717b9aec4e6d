package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

const sampleManifest = `
version: v1.2.0
defaultTree: main
components:
  - type: inbox
    kind: screen
    defaults:
      filter: all
      pageSize: 25
      labels: [work, home]
      layout:
        columns: 2
  - type: compose
    launch: standard
    filters:
      - action: SEND
        categories: [DEFAULT]
        data:
          - mimeType: text/plain
  - type: sync
    kind: worker
    retained: true
    tree: background
  - type: viewer
    filters:
      - action: VIEW
        categories: [DEFAULT, BROWSABLE]
        data:
          - scheme: https
            host: example.com
            pathGlob: /docs/**
`

func TestParseAppliesDefaults(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	require.True(t, m.Frozen())

	assert.Equal(t, []string{"inbox", "compose", "sync", "viewer"}, m.Types())
	assert.Equal(t, []string{"main", "background"}, m.Trees())

	inbox, ok := m.Lookup("inbox")
	require.True(t, ok)
	assert.Equal(t, LaunchSingle, inbox.Launch)
	assert.Equal(t, "main", inbox.Tree)
	assert.Equal(t, 0, inbox.Order())

	defaults := inbox.DefaultState()
	assert.Equal(t, "all", defaults.String("filter", ""))
	assert.Equal(t, int64(25), defaults.Int("pageSize", 0))
	layout, ok := defaults.Sub("layout")
	require.True(t, ok)
	assert.Equal(t, int64(2), layout.Int("columns", 0))
	labels, ok := defaults.Get("labels")
	require.True(t, ok)
	ss, ok := labels.Strings()
	require.True(t, ok)
	assert.Equal(t, []string{"work", "home"}, ss)

	compose, _ := m.Lookup("compose")
	assert.Equal(t, KindScreen, compose.Kind)
	assert.Equal(t, LaunchStandard, compose.Launch)

	sync, _ := m.Lookup("sync")
	assert.True(t, sync.Retained)
	assert.Equal(t, "background", sync.Tree)
}

func TestGlobPatternsCompile(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	viewer, _ := m.Lookup("viewer")
	p := &viewer.Filters[0].Data[0]
	assert.True(t, p.MatchGlob("/docs/guide/intro"))
	assert.False(t, p.MatchGlob("/blog/post"))
	assert.True(t, viewer.Filters[0].HasCategory("BROWSABLE"))
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad version", "version: one\ncomponents: []"},
		{"unsupported major", "version: v2.0.0\ncomponents: []"},
		{"missing type", "version: v1.0.0\ncomponents:\n  - kind: screen"},
		{"duplicate type", "version: v1.0.0\ncomponents:\n  - type: a\n  - type: a"},
		{"unknown kind", "version: v1.0.0\ncomponents:\n  - type: a\n    kind: dialog"},
		{"unknown launch", "version: v1.0.0\ncomponents:\n  - type: a\n    launch: often"},
		{"retained standard", "version: v1.0.0\ncomponents:\n  - type: a\n    launch: standard\n    retained: true"},
		{"filter without action", "version: v1.0.0\ncomponents:\n  - type: a\n    filters:\n      - categories: [DEFAULT]"},
		{"two path kinds", "version: v1.0.0\ncomponents:\n  - type: a\n    filters:\n      - action: VIEW\n        data:\n          - path: /a\n            pathPrefix: /b"},
		{"bad mime", "version: v1.0.0\ncomponents:\n  - type: a\n    filters:\n      - action: VIEW\n        data:\n          - mimeType: text"},
		{"bad glob", "version: v1.0.0\ncomponents:\n  - type: a\n    filters:\n      - action: VIEW\n        data:\n          - pathGlob: \"/[a\""},
		{"tree with slash", "version: v1.0.0\ncomponents:\n  - type: a\n    tree: bg/worker"},
		{"not yaml", "version: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, relayerrors.IsKind(err, relayerrors.KindConfig), "got %v", err)
		})
	}
}

func TestProgrammaticManifestFreezes(t *testing.T) {
	m := New("v1.0.0")
	require.NoError(t, m.Add(ComponentSpec{Type: "home"}))
	require.NoError(t, m.Freeze())
	require.NoError(t, m.Freeze())

	assert.ErrorIs(t, m.Add(ComponentSpec{Type: "late"}), ErrFrozen)
	_, ok := m.Lookup("late")
	assert.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Components, 4)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindConfig))
}
