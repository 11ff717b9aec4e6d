package platform

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/state"
)

// Sink is a durable key-value store for bundles. Implementations are safe for
// concurrent use.
type Sink interface {
	// Put stores b under key, replacing any previous bundle.
	Put(ctx context.Context, key string, b state.Bundle) error

	// Get returns the bundle stored under key. The boolean is false if
	// nothing is stored.
	Get(ctx context.Context, key string) (state.Bundle, bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the stored keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the sink. Further calls fail with ErrClosed.
	Close() error
}

// MemorySink is an in-process Sink. Bundles pass through the codec so stored
// data behaves like a durable sink's: later changes to the caller's values
// are never observed.
type MemorySink struct {
	codec BundleCodec

	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemorySink creates an empty in-memory sink. A nil codec selects
// DefaultCodec.
func NewMemorySink(codec BundleCodec) *MemorySink {
	if codec == nil {
		codec = DefaultCodec
	}
	return &MemorySink{codec: codec, data: make(map[string][]byte)}
}

// Put stores b under key.
func (s *MemorySink) Put(ctx context.Context, key string, b state.Bundle) error {
	const op = "platform.MemorySink.Put"
	if err := s.check(ctx, op, key); err != nil {
		return err
	}
	raw, err := s.codec.Encode(b)
	if err != nil {
		return relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relayerrors.New(op, relayerrors.KindPersistence, "", ErrClosed)
	}
	s.data[key] = raw
	return nil
}

// Get returns the bundle stored under key.
func (s *MemorySink) Get(ctx context.Context, key string) (state.Bundle, bool, error) {
	const op = "platform.MemorySink.Get"
	if err := s.check(ctx, op, key); err != nil {
		return state.Bundle{}, false, err
	}
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return state.Bundle{}, false, nil
	}
	b, err := s.codec.Decode(raw)
	if err != nil {
		return state.Bundle{}, false, relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	return b, true, nil
}

// Delete removes key.
func (s *MemorySink) Delete(ctx context.Context, key string) error {
	const op = "platform.MemorySink.Delete"
	if err := s.check(ctx, op, key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns the stored keys with the given prefix.
func (s *MemorySink) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, relayerrors.New("platform.MemorySink.Keys", relayerrors.KindPersistence, "", ErrClosed)
	}
	keys := slices.Collect(maps.Keys(s.data))
	keys = slices.DeleteFunc(keys, func(k string) bool { return !strings.HasPrefix(k, prefix) })
	slices.Sort(keys)
	return keys, nil
}

// Len returns the number of stored bundles.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close drops the stored data.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}

func (s *MemorySink) check(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return relayerrors.New(op, relayerrors.KindValidation, "", ErrEmptyKey)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return relayerrors.New(op, relayerrors.KindPersistence, "", ErrClosed)
	}
	return nil
}
