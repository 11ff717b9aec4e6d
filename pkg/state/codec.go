package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// wireValue is the tagged JSON form of a Value. Tagging keeps int64 and
// float64 distinct and lets blobs travel as base64.
type wireValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
}

// MarshalJSON encodes the bundle with one tagged entry per key.
func (b Bundle) MarshalJSON() ([]byte, error) {
	out := make(map[string]wireValue, len(b.m))
	for _, k := range slices.Sorted(maps.Keys(b.m)) {
		v := b.m[k]
		var payload any
		switch v.kind {
		case KindBool:
			payload = v.b
		case KindInt:
			payload = v.i
		case KindFloat:
			payload = v.f
		case KindString:
			payload = v.s
		case KindStrings:
			payload = v.ss
		case KindBundle:
			payload = v.sub
		case KindBlob:
			payload = v.blob
		default:
			return nil, fmt.Errorf("key %q: %w: %s", k, ErrUnsupported, v.kind)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = wireValue{T: v.kind.String(), V: raw}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a bundle. An entry with an unknown tag or a payload
// that does not decode is reported as a capture warning and skipped; the rest
// of the bundle is still decoded.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var in map[string]wireValue
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m := make(map[string]Value, len(in))
	for _, k := range slices.Sorted(maps.Keys(in)) {
		v, err := decodeWire(in[k])
		if err != nil {
			relayerrors.Diagnose(&relayerrors.Diagnostic{
				Op:   "state.Bundle.UnmarshalJSON",
				Kind: relayerrors.KindCaptureWarning,
				Key:  k,
				Err:  err,
			})
			continue
		}
		m[k] = v
	}
	b.m = m
	return nil
}

func decodeWire(w wireValue) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(w.V))
	dec.UseNumber()
	switch w.T {
	case "bool":
		var x bool
		err := dec.Decode(&x)
		return Value{kind: KindBool, b: x}, err
	case "int":
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return Value{}, err
		}
		i, err := n.Int64()
		return Value{kind: KindInt, i: i}, err
	case "float":
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return Value{}, err
		}
		f, err := n.Float64()
		return Value{kind: KindFloat, f: f}, err
	case "string":
		var x string
		err := dec.Decode(&x)
		return Value{kind: KindString, s: x}, err
	case "strings":
		var x []string
		err := dec.Decode(&x)
		return Value{kind: KindStrings, ss: x}, err
	case "bundle":
		var x Bundle
		err := json.Unmarshal(w.V, &x)
		return Value{kind: KindBundle, sub: x}, err
	case "blob":
		var x []byte
		err := dec.Decode(&x)
		return Value{kind: KindBlob, blob: x}, err
	default:
		return Value{}, fmt.Errorf("%w: tag %q", ErrUnsupported, w.T)
	}
}

// Encode serializes a bundle for a durable sink.
func Encode(b Bundle) ([]byte, error) {
	return json.Marshal(b)
}

// Decode deserializes a bundle produced by Encode.
func Decode(data []byte) (Bundle, error) {
	if len(data) == 0 {
		return Bundle{}, nil
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, err
	}
	return b, nil
}
