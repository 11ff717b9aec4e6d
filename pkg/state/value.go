// Package state provides the namespaced key/value bundles components use to
// survive being destroyed and rebuilt by their host.
//
// A Store is the live, mutable view owned by one component instance. Snapshot
// produces an immutable Bundle; Restore merges a Bundle back into a Store.
// Restore is idempotent: applying the same Bundle twice is observably the
// same as applying it once.
//
//	s := state.NewStore()
//	s.Put("draft", "hello")
//	s.Put("cursor", 5)
//	saved := s.Snapshot()
//
//	fresh := state.NewStore()
//	fresh.Restore(saved)
//	fresh.GetString("draft", "") // "hello"
//
// Values are restricted to primitives, strings, string lists, nested Bundles
// and opaque blobs so every Bundle can be written to a durable sink.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrUnsupported is returned when a value cannot be represented in a Bundle.
var ErrUnsupported = errors.New("unsupported bundle value")

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindStrings
	KindBundle
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindStrings:
		return "strings"
	case KindBundle:
		return "bundle"
	case KindBlob:
		return "blob"
	default:
		return "invalid"
	}
}

// Blob is an opaque serializable payload the core never interprets.
type Blob []byte

// Value is a single typed bundle entry.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	ss   []string
	sub  Bundle
	blob []byte
}

// ValueOf converts a Go value into a bundle Value. Integers of any width are
// stored as int64, floats as float64. Slices are copied.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v.clone(), nil
	case bool:
		return Value{kind: KindBool, b: v}, nil
	case int:
		return Value{kind: KindInt, i: int64(v)}, nil
	case int8:
		return Value{kind: KindInt, i: int64(v)}, nil
	case int16:
		return Value{kind: KindInt, i: int64(v)}, nil
	case int32:
		return Value{kind: KindInt, i: int64(v)}, nil
	case int64:
		return Value{kind: KindInt, i: v}, nil
	case uint8:
		return Value{kind: KindInt, i: int64(v)}, nil
	case uint16:
		return Value{kind: KindInt, i: int64(v)}, nil
	case uint32:
		return Value{kind: KindInt, i: int64(v)}, nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint %d overflows int64", ErrUnsupported, v)
		}
		return Value{kind: KindInt, i: int64(v)}, nil
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint64 %d overflows int64", ErrUnsupported, v)
		}
		return Value{kind: KindInt, i: int64(v)}, nil
	case float32:
		return Value{kind: KindFloat, f: float64(v)}, nil
	case float64:
		return Value{kind: KindFloat, f: v}, nil
	case string:
		return Value{kind: KindString, s: v}, nil
	case []string:
		return Value{kind: KindStrings, ss: slices.Clone(v)}, nil
	case Bundle:
		return Value{kind: KindBundle, sub: v}, nil
	case *Bundle:
		if v == nil {
			return Value{kind: KindBundle}, nil
		}
		return Value{kind: KindBundle, sub: *v}, nil
	case Blob:
		return Value{kind: KindBlob, blob: bytes.Clone(v)}, nil
	case []byte:
		return Value{kind: KindBlob, blob: bytes.Clone(v)}, nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupported, x)
	}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the value and whether v holds a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Int returns the value and whether v holds an integer.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns the value and whether v holds a float. Integers widen.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// Str returns the value and whether v holds a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Strings returns a copy of the list and whether v holds a string list.
func (v Value) Strings() ([]string, bool) {
	if v.kind != KindStrings {
		return nil, false
	}
	return slices.Clone(v.ss), true
}

// Bundle returns the nested bundle and whether v holds one.
func (v Value) Bundle() (Bundle, bool) { return v.sub, v.kind == KindBundle }

// Blob returns a copy of the payload and whether v holds a blob.
func (v Value) Blob() (Blob, bool) {
	if v.kind != KindBlob {
		return nil, false
	}
	return bytes.Clone(v.blob), true
}

// Interface returns the Go representation of v.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindStrings:
		return slices.Clone(v.ss)
	case KindBundle:
		return v.sub
	case KindBlob:
		return Blob(bytes.Clone(v.blob))
	}
	return nil
}

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindStrings:
		return slices.Equal(v.ss, o.ss)
	case KindBundle:
		return v.sub.Equal(o.sub)
	case KindBlob:
		return bytes.Equal(v.blob, o.blob)
	}
	return true
}

func (v Value) clone() Value {
	switch v.kind {
	case KindStrings:
		v.ss = slices.Clone(v.ss)
	case KindBlob:
		v.blob = bytes.Clone(v.blob)
	}
	return v
}

func (v Value) String() string {
	switch v.kind {
	case KindBundle:
		return fmt.Sprintf("bundle(%d)", v.sub.Len())
	case KindBlob:
		return fmt.Sprintf("blob(%d)", len(v.blob))
	case KindInvalid:
		return "<invalid>"
	}
	return fmt.Sprint(v.Interface())
}
