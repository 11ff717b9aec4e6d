package routing

import (
	"cmp"
	"slices"
	"time"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/metrics"
	"github.com/go-drift/relay/pkg/results"
)

// DefaultCacheSize bounds the implicit resolution cache.
const DefaultCacheSize = 256

// Candidate is one resolved target type.
type Candidate struct {
	Type string
	Tree string
	// Filter is the index of the matching filter, or -1 for explicit targets.
	Filter      int
	Specificity Specificity

	order int
}

// Trees gives the router access to the controller of each tree.
type Trees interface {
	Controller(tree string) (*core.Controller, bool)
}

// Options configures a Router.
type Options struct {
	// CacheSize bounds the implicit resolution cache. Zero selects
	// DefaultCacheSize; a negative size disables caching.
	CacheSize int
	// Trees is required for Dispatch.
	Trees Trees
	// Results is required to dispatch messages that expect a result.
	Results *results.Correlator
	Metrics *metrics.Metrics
}

// Router resolves descriptors against a frozen manifest. Resolve is safe for
// concurrent use.
type Router struct {
	manifest *manifest.Manifest
	cache    *lru.Cache[string, []Candidate]
	trees    Trees
	results  *results.Correlator
	metrics  *metrics.Metrics
}

// NewRouter creates a router over m.
func NewRouter(m *manifest.Manifest, opts Options) (*Router, error) {
	if m == nil || !m.Frozen() {
		return nil, relayerrors.Newf("routing.NewRouter", relayerrors.KindConfig, "", "a frozen manifest is required")
	}
	r := &Router{
		manifest: m,
		trees:    opts.Trees,
		results:  opts.Results,
		metrics:  opts.Metrics,
	}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		cache, err := lru.New[string, []Candidate](size)
		if err != nil {
			return nil, relayerrors.New("routing.NewRouter", relayerrors.KindConfig, "", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Resolve returns the candidate types for desc, most specific first. An
// explicit target yields exactly the named type. An implicit target that
// matches nothing fails with KindNoCandidate.
func (r *Router) Resolve(desc Descriptor) ([]Candidate, error) {
	start := time.Now()
	target := "implicit"
	if _, ok := desc.Target.(Explicit); ok {
		target = "explicit"
	}

	out, err := r.resolve(desc)
	outcome := metrics.OutcomeOK
	switch {
	case relayerrors.IsKind(err, relayerrors.KindNoCandidate):
		outcome = metrics.OutcomeNoCandidate
	case err != nil:
		outcome = metrics.OutcomeInvalid
	}
	r.metrics.ObserveResolve(target, outcome, time.Since(start))
	return out, err
}

func (r *Router) resolve(desc Descriptor) ([]Candidate, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	switch t := desc.Target.(type) {
	case Explicit:
		spec, ok := r.manifest.Lookup(t.Type)
		if !ok {
			if s := r.suggest(t.Type); s != "" {
				return nil, relayerrors.Newf("routing.Resolve", relayerrors.KindValidation, t.Type, "unknown component type %q (did you mean %q?)", t.Type, s)
			}
			return nil, relayerrors.Newf("routing.Resolve", relayerrors.KindValidation, t.Type, "unknown component type %q", t.Type)
		}
		return []Candidate{{Type: spec.Type, Tree: spec.Tree, Filter: -1, order: spec.Order()}}, nil
	case Implicit:
		return r.resolveImplicit(t)
	}
	return nil, relayerrors.Newf("routing.Resolve", relayerrors.KindValidation, "", "unsupported target %T", desc.Target)
}

func (r *Router) resolveImplicit(t Implicit) ([]Candidate, error) {
	key := t.cacheKey()
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			r.metrics.ObserveCache(true)
			return r.result(t, cached)
		}
		r.metrics.ObserveCache(false)
	}

	d, _ := t.Data.parse()
	var out []Candidate
	for i := range r.manifest.Components {
		spec := &r.manifest.Components[i]
		best := Candidate{Filter: -1}
		for j := range spec.Filters {
			s, ok := matchFilter(&spec.Filters[j], t, d)
			if ok && (best.Filter < 0 || s.Compare(best.Specificity) > 0) {
				best = Candidate{Type: spec.Type, Tree: spec.Tree, Filter: j, Specificity: s, order: spec.Order()}
			}
		}
		if best.Filter >= 0 {
			out = append(out, best)
		}
	}
	slices.SortStableFunc(out, func(a, b Candidate) int {
		if c := b.Specificity.Compare(a.Specificity); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	if r.cache != nil {
		r.cache.Add(key, out)
	}
	return r.result(t, out)
}

func (r *Router) result(t Implicit, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, relayerrors.Newf("routing.Resolve", relayerrors.KindNoCandidate, "", "no component handles action %q", t.Action)
	}
	return slices.Clone(candidates), nil
}

// suggest returns the declared type closest to name, if any is close enough
// to be a plausible typo.
func (r *Router) suggest(name string) string {
	best, bestDist := "", -1
	for _, typ := range r.manifest.Types() {
		d := levenshtein.ComputeDistance(name, typ)
		if bestDist < 0 || d < bestDist {
			best, bestDist = typ, d
		}
	}
	if bestDist < 0 || bestDist > max(2, len(name)/3) {
		return ""
	}
	return best
}
