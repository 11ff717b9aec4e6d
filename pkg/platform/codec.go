// Package platform provides durable storage for captured component state.
// Sinks hold encoded bundles by key; the host persists root captures into a
// sink and seeds controllers from it on reload.
package platform

import (
	"errors"

	"github.com/go-drift/relay/pkg/state"
)

// BundleCodec encodes and decodes bundles for a sink.
type BundleCodec interface {
	// Encode converts a bundle to bytes for storage.
	Encode(b state.Bundle) ([]byte, error)

	// Decode converts stored bytes back to a bundle.
	Decode(data []byte) (state.Bundle, error)
}

// JSONCodec implements BundleCodec using the tagged JSON form of bundles.
// Tagging keeps integers and floats distinct across a round trip.
type JSONCodec struct{}

// Encode serializes the bundle to JSON bytes.
func (JSONCodec) Encode(b state.Bundle) ([]byte, error) {
	return state.Encode(b)
}

// Decode deserializes JSON bytes to a bundle. Empty input yields an empty
// bundle.
func (JSONCodec) Decode(data []byte) (state.Bundle, error) {
	return state.Decode(data)
}

// DefaultCodec is the codec used by sinks that are not given one.
var DefaultCodec BundleCodec = JSONCodec{}

// Standard errors for sink operations.
var (
	// ErrClosed indicates the sink was used after Close.
	ErrClosed = errors.New("sink is closed")

	// ErrEmptyKey indicates an operation was given an empty key.
	ErrEmptyKey = errors.New("empty key")
)
