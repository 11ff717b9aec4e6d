package manifest

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// CategoryDefault is the category conventionally carried by implicit
// messages sent from a component.
const CategoryDefault = "DEFAULT"

// Filter is one capability a component type advertises.
type Filter struct {
	Action     string        `yaml:"action"`
	Categories []string      `yaml:"categories,omitempty"`
	Data       []DataPattern `yaml:"data,omitempty"`
}

// HasCategory reports whether the filter declares category c.
func (f *Filter) HasCategory(c string) bool {
	for _, have := range f.Categories {
		if have == c {
			return true
		}
	}
	return false
}

func (f *Filter) compile() error {
	if f.Action == "" {
		return fmt.Errorf("filter has no action")
	}
	for i := range f.Data {
		if err := f.Data[i].compile(); err != nil {
			return fmt.Errorf("data pattern %d: %w", i, err)
		}
	}
	return nil
}

// DataPattern constrains the data a filter accepts. Empty fields accept
// anything. At most one of Path, PathPrefix and PathGlob may be set.
type DataPattern struct {
	Scheme     string `yaml:"scheme,omitempty"`
	Host       string `yaml:"host,omitempty"`
	Path       string `yaml:"path,omitempty"`
	PathPrefix string `yaml:"pathPrefix,omitempty"`
	PathGlob   string `yaml:"pathGlob,omitempty"`
	MimeType   string `yaml:"mimeType,omitempty"`

	glob glob.Glob
}

func (p *DataPattern) compile() error {
	set := 0
	for _, s := range []string{p.Path, p.PathPrefix, p.PathGlob} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("only one of path, pathPrefix, pathGlob may be set")
	}
	if p.MimeType != "" && !validMime(p.MimeType) {
		return fmt.Errorf("malformed mimeType %q", p.MimeType)
	}
	if p.PathGlob != "" {
		g, err := glob.Compile(p.PathGlob, '/')
		if err != nil {
			return fmt.Errorf("failed to compile glob pattern %q: %w", p.PathGlob, err)
		}
		p.glob = g
	}
	return nil
}

// MatchGlob reports whether path matches the compiled PathGlob.
func (p *DataPattern) MatchGlob(path string) bool {
	if p.glob == nil {
		return false
	}
	return p.glob.Match(path)
}

func validMime(m string) bool {
	major, minor, ok := strings.Cut(m, "/")
	return ok && major != "" && minor != "" && !strings.Contains(minor, "/")
}
