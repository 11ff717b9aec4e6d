package core

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// ScopeSeparator joins tags into scope paths.
const ScopeSeparator = "/"

// TagKey joins a scope and a tag into a registry key.
func TagKey(scope, tag string) string {
	if scope == "" {
		return tag
	}
	return scope + ScopeSeparator + tag
}

// Registry indexes the live instances of one tree by tag key and by ID.
// Retained instances detached from a recreating owner stay registered under
// their tag key until a replacement claims them or they are finally destroyed.
//
// Registry is NOT thread-safe; it belongs to its tree's owning context.
type Registry struct {
	byKey map[string]*Instance
	byID  map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string]*Instance),
		byID:  make(map[string]*Instance),
	}
}

// LookupByTag returns the live instance registered for tag in scope.
func (r *Registry) LookupByTag(scope, tag string) (*Instance, bool) {
	if tag == "" {
		return nil, false
	}
	inst, ok := r.byKey[TagKey(scope, tag)]
	return inst, ok
}

// ByID returns the live instance with the given ID.
func (r *Registry) ByID(id string) (*Instance, bool) {
	inst, ok := r.byID[id]
	return inst, ok
}

// RegisterOrReuse returns the live instance for (scope, tag) when there is
// one, or calls factory, registers and returns the new instance. The second
// result reports whether factory ran. An untagged call always creates.
//
// A tag already bound to another type fails with KindDuplicateTag and leaves
// the existing instance untouched.
func (r *Registry) RegisterOrReuse(scope, tag, typ string, factory func() (*Instance, error)) (*Instance, bool, error) {
	if err := validTag(tag); err != nil {
		return nil, false, err
	}
	if existing, ok := r.LookupByTag(scope, tag); ok {
		if existing.typ != typ {
			return nil, false, relayerrors.Newf("core.Registry.RegisterOrReuse", relayerrors.KindDuplicateTag, typ,
				"tag %q already bound to type %q", TagKey(scope, tag), existing.typ)
		}
		return existing, false, nil
	}
	inst, err := factory()
	if err != nil {
		return nil, false, err
	}
	r.register(inst)
	return inst, true, nil
}

func (r *Registry) register(inst *Instance) {
	r.byID[inst.id] = inst
	if key := inst.TagKey(); key != "" {
		r.byKey[key] = inst
	}
}

func (r *Registry) unregister(inst *Instance) {
	delete(r.byID, inst.id)
	if key := inst.TagKey(); key != "" && r.byKey[key] == inst {
		delete(r.byKey, key)
	}
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Instances returns every live instance, tagged ones first by tag key, then
// untagged ones by ID.
func (r *Registry) Instances() []*Instance {
	out := slices.Collect(maps.Values(r.byID))
	slices.SortFunc(out, func(a, b *Instance) int {
		ak, bk := a.TagKey(), b.TagKey()
		if (ak == "") != (bk == "") {
			if ak == "" {
				return 1
			}
			return -1
		}
		return cmp.Or(cmp.Compare(ak, bk), cmp.Compare(a.id, b.id))
	})
	return out
}

// InScope returns the live instances whose tag key lies under scope, at any
// depth.
func (r *Registry) InScope(scope string) []*Instance {
	prefix := scope + ScopeSeparator
	var out []*Instance
	for _, key := range slices.Sorted(maps.Keys(r.byKey)) {
		if strings.HasPrefix(key, prefix) {
			out = append(out, r.byKey[key])
		}
	}
	return out
}

func validTag(tag string) error {
	if strings.Contains(tag, ScopeSeparator) || strings.HasPrefix(tag, "#") {
		return relayerrors.Newf("core.Registry", relayerrors.KindValidation, "", "invalid tag %q", tag)
	}
	return nil
}
