// This module implements cache sharding which distributes keys uniformly across shards. Every shard owns its own
// map and mutex, so goroutines touching different keys mostly lock different shards and don't wait on each other.
// A key always maps to the same shard, which keeps every read and write of one key behind a single lock.

package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// entry is a single cached value. Entries are stored by value and replaced as a whole under the shard write lock,
// so a reader sees either the old (value, expiresAt) pair or the new one, never a mix. Only the entry is copied:
// a pointer or slice value still refers to the memory the writer handed in.
type entry[V any] struct {
	value     V
	expiresAt time.Time // Zero means the entry never expires.
}

// expired reports whether the entry is logically absent at `now`.
func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// shard is one lock domain of the TTLCache.
type shard[V any] struct {
	mux     sync.RWMutex
	entries map[string]entry[V]
}

func newShard[V any]() *shard[V] {
	return &shard[V]{entries: make(map[string]entry[V])}
}

// load returns the entry stored for `key` under the read lock.
func (s *shard[V]) load(key string) (entry[V], bool /*found*/) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	e, found := s.entries[key]
	return e, found
}

// store replaces the entry of `key`.
func (s *shard[V]) store(key string, e entry[V]) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.entries[key] = e
}

// remove deletes `key` and reports whether it existed.
func (s *shard[V]) remove(key string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, found := s.entries[key]; !found {
		return false
	}
	delete(s.entries, key)
	return true
}

// removeIfExpired deletes `key` only if the stored entry is still expired at `now`. A concurrent Set may have
// replaced the expired entry between the caller's read and this call; that fresh entry must survive.
func (s *shard[V]) removeIfExpired(key string, now time.Time) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if current, found := s.entries[key]; !found || !current.expired(now) {
		return false
	}
	delete(s.entries, key)
	return true
}

// removeWhere deletes every entry accepted by `shouldRemove` and returns the number of removed entries.
func (s *shard[V]) removeWhere(shouldRemove func(key string, e entry[V]) bool) int {
	s.mux.Lock()
	defer s.mux.Unlock()
	removed := 0
	for key, e := range s.entries {
		if shouldRemove(key, e) {
			delete(s.entries, key) // Deleting during range is safe for Go maps.
			removed++
		}
	}
	return removed
}

// reset drops every entry of the shard.
func (s *shard[V]) reset() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.entries = make(map[string]entry[V])
}

func (s *shard[V]) len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.entries)
}

func (s *shard[V]) keys() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// shardIndex maps `key` onto one of `shardCount` shards.
func shardIndex(key string, shardCount int) int {
	return int(xxhash.Sum64String(key) % uint64(shardCount))
}
