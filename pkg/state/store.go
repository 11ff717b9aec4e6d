package state

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// Store is the live key/value state of one component instance.
//
// Store is NOT thread-safe. It is owned by the instance's tree and must only
// be touched from that tree's loop.
type Store struct {
	values map[string]Value
	owner  string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]Value)}
}

// SetOwner records the instance ID used to attribute diagnostics.
func (s *Store) SetOwner(id string) {
	s.owner = id
}

// Put stores value under key. A value that cannot be represented is reported
// as a capture warning and returned as an error; the store is left unchanged
// for that key and every other key is unaffected.
func (s *Store) Put(key string, value any) error {
	if key == "" {
		return relayerrors.New("state.Store.Put", relayerrors.KindValidation, "", fmt.Errorf("empty key"))
	}
	if strings.HasPrefix(key, ReservedPrefix) {
		return relayerrors.Newf("state.Store.Put", relayerrors.KindValidation, "", "key %q uses reserved prefix %q", key, ReservedPrefix)
	}
	return s.put("state.Store.Put", key, value)
}

func (s *Store) put(op, key string, value any) error {
	v, err := ValueOf(value)
	if err != nil {
		s.warn(op, key, err)
		return err
	}
	s.values[key] = v
	return nil
}

// PutReserved stores a bundle under a reserved key (ViewKey, IncomingKey).
// It is used by the lifecycle controller and the router.
func (s *Store) PutReserved(key string, b Bundle) {
	s.values[key] = Value{kind: KindBundle, sub: b}
}

// PutChild stores a child's bundle namespaced by the child's tag, so sibling
// keys can never collide.
func (s *Store) PutChild(tag string, b Bundle) {
	s.PutReserved(ChildKey(tag), b)
}

// Child returns the bundle stored for the child with the given tag.
func (s *Store) Child(tag string) (Bundle, bool) {
	return s.values[ChildKey(tag)].Bundle()
}

// Reserved returns the bundle stored under a reserved key.
func (s *Store) Reserved(key string) (Bundle, bool) {
	return s.values[key].Bundle()
}

// Remove deletes key.
func (s *Store) Remove(key string) {
	delete(s.values, key)
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	return slices.Sorted(maps.Keys(s.values))
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return len(s.values)
}

// Get returns the Go value under key, or def if absent.
func (s *Store) Get(key string, def any) any {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	return v.Interface()
}

// GetString returns the string under key. A present value of another kind is
// reported as a capture warning and def is returned.
func (s *Store) GetString(key, def string) string {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	if str, ok := v.Str(); ok {
		return str
	}
	s.mismatch(key, KindString, v.Kind())
	return def
}

// GetInt returns the integer under key, or def.
func (s *Store) GetInt(key string, def int64) int64 {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	if i, ok := v.Int(); ok {
		return i
	}
	s.mismatch(key, KindInt, v.Kind())
	return def
}

// GetBool returns the bool under key, or def.
func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	if b, ok := v.Bool(); ok {
		return b
	}
	s.mismatch(key, KindBool, v.Kind())
	return def
}

// GetFloat returns the float under key, or def.
func (s *Store) GetFloat(key string, def float64) float64 {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	if f, ok := v.Float(); ok {
		return f
	}
	s.mismatch(key, KindFloat, v.Kind())
	return def
}

// GetStrings returns the string list under key, or def.
func (s *Store) GetStrings(key string, def []string) []string {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	if ss, ok := v.Strings(); ok {
		return ss
	}
	s.mismatch(key, KindStrings, v.Kind())
	return def
}

// GetBundle returns the nested bundle under key.
func (s *Store) GetBundle(key string) (Bundle, bool) {
	v, ok := s.values[key]
	if !ok {
		return Bundle{}, false
	}
	if b, ok := v.Bundle(); ok {
		return b, true
	}
	s.mismatch(key, KindBundle, v.Kind())
	return Bundle{}, false
}

// Snapshot returns an immutable copy of the store.
func (s *Store) Snapshot() Bundle {
	m := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		m[k] = v.clone()
	}
	return Bundle{m: m}
}

// Restore merges b into the store; the bundle's value wins for every key it
// holds. Keys absent from b are left alone, which makes Restore idempotent.
func (s *Store) Restore(b Bundle) {
	for k, v := range b.m {
		if v.kind == KindInvalid {
			s.warn("state.Store.Restore", k, fmt.Errorf("%w: invalid value", ErrUnsupported))
			continue
		}
		s.values[k] = v.clone()
	}
}

// Reset removes every key.
func (s *Store) Reset() {
	clear(s.values)
}

func (s *Store) mismatch(key string, want, got Kind) {
	s.warn("state.Store.Get", key, fmt.Errorf("want %s, found %s", want, got))
}

func (s *Store) warn(op, key string, err error) {
	relayerrors.Diagnose(&relayerrors.Diagnostic{
		Op:         op,
		Kind:       relayerrors.KindCaptureWarning,
		InstanceID: s.owner,
		Key:        key,
		Err:        err,
	})
}
