package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is the sentinel a fill function returns for a confirmed
// negative result. The store records it as a tombstone so repeated misses
// don't refetch until the tombstone expires. Distinct from "key absent".
var ErrNotFound = errors.New("cache: value not found")

// Store is a typed view over a Backend for one class of cached value.
// Concurrent misses on the same key are collapsed to a single fill call via
// singleflight, so the fill observably runs at most once per miss window.
type Store[T any] struct {
	backend     Backend
	prefix      string
	ttl         time.Duration
	notFoundTTL time.Duration
	group       singleflight.Group
}

// NewStore creates a typed store. notFoundTTL governs tombstone lifetime;
// zero disables negative caching.
func NewStore[T any](backend Backend, prefix string, ttl, notFoundTTL time.Duration) *Store[T] {
	return &Store[T]{
		backend:     backend,
		prefix:      prefix,
		ttl:         ttl,
		notFoundTTL: notFoundTTL,
	}
}

// envelope distinguishes a cached negative result from a cached value.
type envelope[T any] struct {
	NotFound bool `json:"not_found,omitempty"`
	Value    T    `json:"value,omitempty"`
}

// Get retrieves a cached value. The second return is true for a cached
// negative result, the third is true when the key was present at all.
func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, bool) {
	var zero T

	data, found, err := s.backend.Get(ctx, s.prefix+key)
	if err != nil {
		slog.Warn("cache get failed", "key", s.prefix+key, "error", err)
		return zero, false, false
	}
	if !found {
		return zero, false, false
	}

	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		// Corrupt entry: treat as absent and drop it.
		s.backend.Delete(ctx, s.prefix+key)
		return zero, false, false
	}
	if env.NotFound {
		return zero, true, true
	}
	return env.Value, false, true
}

// GetOrInsert returns the cached value for key, invoking fill on a miss and
// caching its result. A fill returning ErrNotFound is cached as a tombstone
// and surfaced as ErrNotFound; any other fill error is returned uncached.
func (s *Store[T]) GetOrInsert(ctx context.Context, key string, fill func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if val, notFound, ok := s.Get(ctx, key); ok {
		if notFound {
			return zero, ErrNotFound
		}
		return val, nil
	}

	result, err, _ := s.group.Do(s.prefix+key, func() (interface{}, error) {
		// Recheck under the flight: another caller may have filled already.
		if val, notFound, ok := s.Get(ctx, key); ok {
			if notFound {
				return nil, ErrNotFound
			}
			return val, nil
		}

		val, err := fill(ctx)
		if errors.Is(err, ErrNotFound) {
			s.InsertEmpty(ctx, key)
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		s.Insert(ctx, key, val)
		return val, nil
	})
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// Insert stores a value under key with the store's TTL.
func (s *Store[T]) Insert(ctx context.Context, key string, val T) {
	data, err := json.Marshal(envelope[T]{Value: val})
	if err != nil {
		slog.Warn("cache marshal failed", "key", s.prefix+key, "error", err)
		return
	}
	if err := s.backend.Set(ctx, s.prefix+key, data, s.ttl); err != nil {
		slog.Warn("cache set failed", "key", s.prefix+key, "error", err)
	}
}

// InsertEmpty records a negative result for key.
func (s *Store[T]) InsertEmpty(ctx context.Context, key string) {
	if s.notFoundTTL == 0 {
		return
	}
	data, _ := json.Marshal(envelope[T]{NotFound: true})
	if err := s.backend.Set(ctx, s.prefix+key, data, s.notFoundTTL); err != nil {
		slog.Warn("cache set failed", "key", s.prefix+key, "error", err)
	}
}

// Remove deletes the entry for key.
func (s *Store[T]) Remove(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, s.prefix+key); err != nil {
		slog.Warn("cache delete failed", "key", s.prefix+key, "error", err)
	}
}

// Refresh re-runs fill for a key that may already be cached, replacing the
// stored value and invoking onUpdate with the fresh value on success. Used
// for relay-backed values that are served stale and refreshed in the
// background. Fill errors leave the cached value untouched.
func (s *Store[T]) Refresh(ctx context.Context, key string, fill func(ctx context.Context) (T, error), onUpdate func(T)) {
	val, err := fill(ctx)
	if errors.Is(err, ErrNotFound) {
		s.InsertEmpty(ctx, key)
		return
	}
	if err != nil {
		slog.Debug("cache refresh failed", "key", s.prefix+key, "error", err)
		return
	}
	s.Insert(ctx, key, val)
	if onUpdate != nil {
		onUpdate(val)
	}
}
