package cache

import "time"

// NoOp is the cache used when caching is disabled: nothing is stored and every lookup misses.
type NoOp[V any] struct{} // Implements Layer.

var _ Layer[int] = NoOp[int]{}

func NewNoOp[V any]() NoOp[V] {
	return NoOp[V]{}
}

func (NoOp[V]) Get(string) (V, bool) { return *new(V), false }

func (NoOp[V]) Peek(string) (V, bool) { return *new(V), false }

func (NoOp[V]) Set(string, V, time.Duration) {}

func (NoOp[V]) Delete(string) bool { return false }

// DeleteMatching still validates the pattern so callers see the same errors as with a real cache.
func (NoOp[V]) DeleteMatching(pattern string) (int, error) {
	if _, err := compileKeyPattern(pattern); err != nil {
		return 0, err
	}
	return 0, nil
}

func (NoOp[V]) Clear() {}

func (NoOp[V]) Keys() []string { return nil }

func (NoOp[V]) Stats() Stats { return Stats{} }
