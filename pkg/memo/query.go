// Memo puts read queries against the store behind the shared cache. A query is identified by a stable query ID
// (e.g. "devices.list") plus its parameters; identical (queryID, params) pairs share one cache entry until its TTL
// runs out or a write path invalidates it. Concurrent misses of the same key are collapsed into a single fetch.

package memo

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/nobletooth/memo/pkg/cache"
	"github.com/nobletooth/memo/pkg/utils"
)

var queryCacheTTL = flag.Duration("query_cache_ttl", 5*time.Minute,
	"Default lifetime of a memoized query result; 0 disables storing query results.")

const queryKeyPrefix = "db:"

// Method tells whether a query reads or writes.
type Method int

const (
	Read  Method = iota // Served from the cache when possible.
	Write               // Always executed; never touches the cache.
)

func (m Method) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// QueryStats is the memoizer's own accounting; unlike cache.Stats it only covers read queries.
type QueryStats struct {
	QueryCount uint64  `json:"queryCount"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRatio   float64 `json:"hitRatio"`
}

// QueryMemoizer caches read query results in a shared cache layer.
type QueryMemoizer struct {
	cache      cache.Layer[any]
	defaultTTL time.Duration
	inflight   singleflight.Group

	queryCount, hits, misses atomic.Uint64
}

// NewQueryMemoizer returns a memoizer over `layer` using the --query_cache_ttl flag as its default TTL.
func NewQueryMemoizer(layer cache.Layer[any]) *QueryMemoizer {
	return &QueryMemoizer{cache: layer, defaultTTL: *queryCacheTTL}
}

// DefaultTTL is the TTL callers pass when a query has no specific lifetime.
func (m *QueryMemoizer) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// QueryKey builds the cache key of a query. Params are encoded as JSON, whose map keys come out sorted, so equal
// params always produce the same key.
func QueryKey(queryID string, params []any) (string, error) {
	if queryID == "" {
		return "", errors.New("expected a non-empty query id")
	}
	if params == nil {
		params = []any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params of query %s: %w", queryID, err)
	}
	return queryKeyPrefix + cache.EscapeKeySegment(queryID) + ":" + cache.EscapeKeySegment(string(encoded)), nil
}

// ExecCached runs `fetch` through the memoizer. Write queries call `fetch` directly. Read queries return the cached
// result when one is live; otherwise `fetch` runs once for all concurrent callers of the same key and its result
// is stored for `ttl` when it succeeded and `ttl` is positive. Errors are returned as is and never cached.
//
// Results are kept as their JSON encoding and every caller decodes its own copy, so a caller modifying what it got
// never changes what later callers see. V must therefore survive a JSON round trip.
//
// Concurrent callers that join an in-flight fetch share its outcome, including a cancellation of the context of
// the caller that started it.
func ExecCached[V any](ctx context.Context, m *QueryMemoizer, queryID string, params []any, method Method,
	fetch func(ctx context.Context) (V, error), ttl time.Duration) (V, error) {
	if method == Write {
		return fetch(ctx)
	}
	key, err := QueryKey(queryID, params)
	if err != nil {
		return *new(V), err
	}

	m.queryCount.Add(1)
	if cached, found := m.cache.Get(key); found {
		value, decodeErr := decodeResult[V](cached)
		if decodeErr == nil {
			m.hits.Add(1)
			slog.Debug("Query cache hit.", "query", queryID, "key", key)
			return value, nil
		}
		utils.RaiseInvariant("memo", "query_result_mismatch", "Cached query result cannot be decoded.",
			"query", queryID, "key", key, "type", fmt.Sprintf("%T", cached), "error", decodeErr)
		m.cache.Delete(key)
	}
	m.misses.Add(1)

	result, err, shared := m.inflight.Do(key, func() (any, error) {
		value, fetchErr := fetch(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}
		encoded, encodeErr := json.Marshal(value)
		if encodeErr != nil {
			return nil, fmt.Errorf("failed to encode result of query %s: %w", queryID, encodeErr)
		}
		if ttl > 0 {
			m.cache.Set(key, json.RawMessage(encoded), ttl)
			slog.Debug("Query cache set.", "query", queryID, "key", key, "ttl", ttl)
		}
		return json.RawMessage(encoded), nil
	})
	if err != nil {
		return *new(V), err
	}
	if shared {
		slog.Debug("Query result shared with a concurrent caller.", "query", queryID, "key", key)
	}
	return decodeResult[V](result)
}

// decodeResult turns a stored encoding back into a fresh V.
func decodeResult[V any](stored any) (V, error) {
	var value V
	encoded, ok := stored.(json.RawMessage)
	if !ok {
		return value, fmt.Errorf("expected an encoded result, got %T", stored)
	}
	if err := json.Unmarshal(encoded, &value); err != nil {
		return value, fmt.Errorf("failed to decode query result: %w", err)
	}
	return value, nil
}

// InvalidateQuery drops the cached result of a single query.
func (m *QueryMemoizer) InvalidateQuery(queryID string, params []any) error {
	key, err := QueryKey(queryID, params)
	if err != nil {
		return err
	}
	removed := m.cache.Delete(key)
	slog.Debug("Query cache invalidated.", "query", queryID, "key", key, "removed", removed)
	return nil
}

// InvalidatePattern drops every cached query whose ID matches the glob `queryPattern`, e.g. "devices*".
func (m *QueryMemoizer) InvalidatePattern(queryPattern string) (int, error) {
	removed, err := m.cache.DeleteMatching(queryKeyPrefix + queryPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate queries matching %q: %w", queryPattern, err)
	}
	slog.Info("Query cache entries invalidated.", "pattern", queryPattern, "removed", removed)
	return removed, nil
}

// Stats returns the memoizer's own counters; the hit ratio is a percentage of read queries.
func (m *QueryMemoizer) Stats() QueryStats {
	stats := QueryStats{QueryCount: m.queryCount.Load(), Hits: m.hits.Load(), Misses: m.misses.Load()}
	if stats.QueryCount > 0 {
		stats.HitRatio = float64(stats.Hits) / float64(stats.QueryCount) * 100
	}
	return stats
}
