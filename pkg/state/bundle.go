package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Reserved keys. Component code cannot Put keys starting with ReservedPrefix.
const (
	ReservedPrefix = "@"
	// ViewKey holds the opaque presentation state captured from the host.
	ViewKey = "@view"
	// IncomingKey holds the extras of the message that activated the instance.
	IncomingKey = "@incoming"
	// ChildPrefix namespaces a child's bundle by the child's tag.
	ChildPrefix = "@child/"
	// ResultPrefix holds results delivered to components that do not receive
	// them directly.
	ResultPrefix = "@result/"
	// ReplyKey holds the token an instance answers with when it was
	// activated by a message that expects a result.
	ReplyKey = "@reply"
)

// ChildKey returns the namespaced key under which a child's bundle is stored.
func ChildKey(tag string) string {
	return ChildPrefix + tag
}

// ResultKey returns the key under which the result for token is stored.
func ResultKey(token string) string {
	return ResultPrefix + token
}

// Bundle is an immutable mapping from key to Value. The zero Bundle is empty
// and ready to use.
type Bundle struct {
	m map[string]Value
}

// BundleOf builds a Bundle from plain Go values. Keys whose values cannot be
// represented are skipped and reported in the joined error; all other keys are
// kept.
func BundleOf(values map[string]any) (Bundle, error) {
	m := make(map[string]Value, len(values))
	var errs []error
	for _, k := range slices.Sorted(maps.Keys(values)) {
		v, err := ValueOf(values[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("key %q: %w", k, err))
			continue
		}
		m[k] = v
	}
	return Bundle{m: m}, errors.Join(errs...)
}

// MustBundle is BundleOf for literals known to be valid.
func MustBundle(values map[string]any) Bundle {
	b, err := BundleOf(values)
	if err != nil {
		panic(err)
	}
	return b
}

// Len returns the number of keys.
func (b Bundle) Len() int { return len(b.m) }

// IsEmpty reports whether the bundle has no keys.
func (b Bundle) IsEmpty() bool { return len(b.m) == 0 }

// Keys returns the keys in sorted order.
func (b Bundle) Keys() []string {
	return slices.Sorted(maps.Keys(b.m))
}

// Has reports whether key is present.
func (b Bundle) Has(key string) bool {
	_, ok := b.m[key]
	return ok
}

// Get returns the value stored under key.
func (b Bundle) Get(key string) (Value, bool) {
	v, ok := b.m[key]
	if !ok {
		return Value{}, false
	}
	return v.clone(), true
}

// String returns the string under key, or def if absent or of another kind.
func (b Bundle) String(key, def string) string {
	if v, ok := b.m[key].Str(); ok {
		return v
	}
	return def
}

// Int returns the integer under key, or def.
func (b Bundle) Int(key string, def int64) int64 {
	if v, ok := b.m[key].Int(); ok {
		return v
	}
	return def
}

// Bool returns the bool under key, or def.
func (b Bundle) Bool(key string, def bool) bool {
	if v, ok := b.m[key].Bool(); ok {
		return v
	}
	return def
}

// Float returns the float under key, or def.
func (b Bundle) Float(key string, def float64) float64 {
	if v, ok := b.m[key].Float(); ok {
		return v
	}
	return def
}

// Sub returns the nested bundle under key.
func (b Bundle) Sub(key string) (Bundle, bool) {
	return b.m[key].Bundle()
}

// Child returns the bundle captured for the child with the given tag.
func (b Bundle) Child(tag string) (Bundle, bool) {
	return b.Sub(ChildKey(tag))
}

// ChildTags returns the tags of all children nested in the bundle.
func (b Bundle) ChildTags() []string {
	var tags []string
	for _, k := range b.Keys() {
		if tag, ok := strings.CutPrefix(k, ChildPrefix); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Equal reports whether both bundles hold exactly the same key/value pairs.
func (b Bundle) Equal(o Bundle) bool {
	if len(b.m) != len(o.m) {
		return false
	}
	for k, v := range b.m {
		ov, ok := o.m[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// With returns a copy of b with key set to value.
func (b Bundle) With(key string, value any) (Bundle, error) {
	v, err := ValueOf(value)
	if err != nil {
		return b, fmt.Errorf("key %q: %w", key, err)
	}
	m := make(map[string]Value, len(b.m)+1)
	maps.Copy(m, b.m)
	m[key] = v
	return Bundle{m: m}, nil
}

// Without returns a copy of b with the given keys removed.
func (b Bundle) Without(keys ...string) Bundle {
	m := maps.Clone(b.m)
	for _, k := range keys {
		delete(m, k)
	}
	return Bundle{m: m}
}

// Range calls fn for every entry in sorted key order until fn returns false.
func (b Bundle) Range(fn func(key string, v Value) bool) {
	for _, k := range b.Keys() {
		if !fn(k, b.m[k].clone()) {
			return
		}
	}
}
