// Memo keeps lookup results (query results, rendered route responses, token verdicts) in process memory to avoid
// repeating expensive work. This module provides the interface every cache flavor implements, so consumers don't
// care whether they talk to a real TTL cache or a disabled one.
//
// Layers hand out values as stored. Values of pointer, slice or map type are shared with every reader, so consumers
// that give cached results to callers store copies or encodings rather than live handles.

package cache

import (
	"context"
	"flag"
	"log/slog"
	"net/url"
	"time"
)

var cacheEnabled = flag.Bool("cache_enabled", true,
	"Enables the shared in-memory cache; when disabled every lookup is a miss and nothing is stored.")

// Layer defines the interface for a string-keyed cache with per-entry expiration.
type Layer[V any] interface {
	// Get returns the value stored for `key` and whether a live entry was found.
	Get(key string) (V, bool)
	// Peek is Get without touching the statistics or removing expired entries.
	Peek(key string) (V, bool)
	// Set stores `value` for `key`, replacing any previous entry. A non-positive `ttl` means no expiry.
	Set(key string, value V, ttl time.Duration)
	// Delete removes `key` and reports whether an entry existed.
	Delete(key string) bool
	// DeleteMatching removes every key matching the glob `pattern` and returns the number of removed keys.
	DeleteMatching(pattern string) (int, error)
	Clear()         // Removes all entries; statistics are cumulative and survive.
	Keys() []string // Returns a snapshot of the stored keys, expired-but-unswept ones included.
	Stats() Stats   // Returns a point-in-time view of the statistics.
}

// NewShared builds the process-wide cache according to the configured flags and starts its background tasks.
// The returned stop function ends the background tasks; it must be called once on shutdown.
func NewShared(ctx context.Context, name string) (Layer[any], func()) {
	if !*cacheEnabled {
		slog.Warn("Shared cache is disabled; every lookup will miss.", "cache", name)
		return NewNoOp[any](), func() {}
	}
	shared := New[any](DefaultOptions(name))
	shared.Start(ctx)
	return shared, shared.Stop
}

// EscapeKeySegment makes `segment` safe to embed into a cache key: the result never contains '/' (which the glob
// matcher treats as a separator) and distinct segments stay distinct.
func EscapeKeySegment(segment string) string {
	return url.PathEscape(segment)
}
