// This module implements the expirable in-memory cache shared by memo's query memoizer, route memoizer and
// auth layer.
//
// Expiration Policy (lazy + periodic):
// Every entry may carry an expiry time. A Get that finds an expired entry removes it right away and reports a miss.
// Keys that are written once and never read again would still hold memory, so a background "sweeper" goroutine
// periodically scans all shards and removes whatever has expired. Whichever mechanism comes first physically
// removes the entry; logically the entry is absent for every reader as soon as its expiry time passes.
//
// A second background goroutine, the "reporter", periodically logs the cumulative statistics along with the
// process memory footprint. Both goroutines are
// started by Start and stopped by Stop, so tests can run the cache without any background activity.

package cache

import (
	"context"
	"flag"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/nobletooth/memo/pkg/utils"
)

var (
	shardCount = flag.Int("cache_shard_count", runtime.NumCPU(),
		"The number of lock shards of the shared cache; values below 1 fall back to a single shard.")
	sweepInterval = flag.Duration("cache_sweep_interval", 10*time.Minute,
		"How often expired entries are removed from the shared cache; 0 disables the sweeper.")
	statsInterval = flag.Duration("cache_stats_interval", time.Minute,
		"How often the shared cache statistics are logged; 0 disables the reporter.")
)

// Options configures a TTLCache.
type Options struct {
	Name           string           // Identifies the cache in logs and metrics.
	ShardCount     int              // Number of lock shards; defaults to 1.
	SweepInterval  time.Duration    // Period of the expired-entry sweep; <= 0 disables it.
	ReportInterval time.Duration    // Period of the statistics log; <= 0 disables it.
	Now            func() time.Time // Clock used for expiry decisions; defaults to time.Now.
}

// DefaultOptions returns the options configured through flags.
func DefaultOptions(name string) Options {
	return Options{
		Name:           name,
		ShardCount:     *shardCount,
		SweepInterval:  *sweepInterval,
		ReportInterval: *statsInterval,
		Now:            time.Now,
	}
}

// TTLCache is a thread-safe, unbounded, in-memory key-value cache with per-entry expiration and cumulative
// statistics. The zero value is not usable; construct it with New.
type TTLCache[V any] struct { // Implements Layer.
	name   string
	shards []*shard[V]
	now    func() time.Time
	stats  *counters

	sweepInterval  time.Duration
	reportInterval time.Duration

	lifecycleMux sync.Mutex         // Guards cancel.
	cancel       context.CancelFunc // Non-nil while the background tasks run.
	tasks        sync.WaitGroup     // Tracks the running background tasks.
}

var _ Layer[int] = (*TTLCache[int])(nil)

// New is the constructor for TTLCache. Background tasks are not running until Start is called.
func New[V any](opts Options) *TTLCache[V] {
	if opts.ShardCount < 0 {
		utils.RaiseInvariant("ttl_cache", "negative_shard_count",
			"Invalid shard count has been given to the cache.", "shardCount", opts.ShardCount)
	}
	if opts.ShardCount <= 0 {
		opts.ShardCount = 1
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &TTLCache[V]{
		name:           opts.Name,
		shards:         make([]*shard[V], opts.ShardCount),
		now:            opts.Now,
		stats:          newCounters(opts.Name),
		sweepInterval:  opts.SweepInterval,
		reportInterval: opts.ReportInterval,
	}
	for i := range c.shards {
		c.shards[i] = newShard[V]()
	}
	return c
}

// Name returns the name the cache reports its logs and metrics with.
func (c *TTLCache[V]) Name() string {
	return c.name
}

func (c *TTLCache[V]) shardOf(key string) *shard[V] {
	return c.shards[shardIndex(key, len(c.shards))]
}

// Get returns the value stored for `key`. Missing and expired keys are misses; an expired entry found here is
// removed immediately and counted as an eviction.
func (c *TTLCache[V]) Get(key string) (V, bool /*found*/) {
	s := c.shardOf(key)
	e, found := s.load(key)
	if !found {
		c.stats.miss()
		return *new(V), false
	}
	now := c.now()
	if e.expired(now) {
		// The sweeper or a concurrent Get may have removed it already; only the remover counts the eviction.
		if s.removeIfExpired(key, now) {
			c.stats.evicted(evictedOnRead, 1)
		}
		c.stats.miss()
		return *new(V), false
	}
	c.stats.hit()
	return e.value, true
}

// Peek returns the live value of `key` without counting a hit or a miss. Expired entries are reported missing but
// left for Get or the sweeper to remove.
func (c *TTLCache[V]) Peek(key string) (V, bool /*found*/) {
	e, found := c.shardOf(key).load(key)
	if !found || e.expired(c.now()) {
		return *new(V), false
	}
	return e.value, true
}

// Set stores `value` for `key`, unconditionally replacing the previous entry and its expiry. A positive `ttl`
// expires the entry at now+ttl; zero or negative TTLs store an entry that never expires.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	} else if ttl < 0 {
		slog.Debug("Negative TTL normalized to no expiry.", "cache", c.name, "key", key, "ttl", ttl)
	}
	c.shardOf(key).store(key, e)
	c.stats.set()
}

// Delete removes `key` and reports whether an entry existed. Statistics are not affected.
func (c *TTLCache[V]) Delete(key string) bool {
	return c.shardOf(key).remove(key)
}

// DeleteMatching removes every key matching the glob `pattern`, e.g. "db:devices*".
func (c *TTLCache[V]) DeleteMatching(pattern string) (int, error) {
	matches, err := compileKeyPattern(pattern)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range c.shards {
		removed += s.removeWhere(func(key string, _ entry[V]) bool { return matches(key) })
	}
	return removed, nil
}

// Clear removes all entries. Cumulative statistics are kept.
func (c *TTLCache[V]) Clear() {
	for _, s := range c.shards {
		s.reset()
	}
}

// CleanExpired removes every expired entry, counts them as evictions and returns how many were removed.
func (c *TTLCache[V]) CleanExpired() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		removed += s.removeWhere(func(_ string, e entry[V]) bool { return e.expired(now) })
	}
	c.stats.evicted(evictedOnSweep, removed)
	c.stats.entriesMetric.Set(float64(c.Len()))
	return removed
}

// Len returns the number of physically held entries.
func (c *TTLCache[V]) Len() int {
	size := 0
	for _, s := range c.shards {
		size += s.len()
	}
	return size
}

// Keys returns a snapshot of all stored keys in no particular order.
func (c *TTLCache[V]) Keys() []string {
	keys := make([]string, 0)
	for _, s := range c.shards {
		keys = append(keys, s.keys()...)
	}
	return keys
}

// Stats returns a snapshot of the cumulative statistics and the current size.
func (c *TTLCache[V]) Stats() Stats {
	snapshot := c.stats.snapshot()
	snapshot.Size = c.Len()
	return snapshot
}

// HitRatio returns the lifetime hit ratio as a percentage.
func (c *TTLCache[V]) HitRatio() float64 {
	return c.stats.snapshot().HitRatio()
}

// Start launches the sweeper and the reporter in the background. They stop when `ctx` is cancelled or Stop is
// called. Starting an already started cache is a bug.
func (c *TTLCache[V]) Start(ctx context.Context) {
	c.lifecycleMux.Lock()
	defer c.lifecycleMux.Unlock()
	if c.cancel != nil {
		utils.RaiseInvariant("ttl_cache", "double_start", "Cache background tasks were started twice.",
			"cache", c.name)
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	if c.sweepInterval > 0 {
		c.tasks.Add(1)
		go c.runEvery(ctx, c.sweepInterval, c.sweep)
	}
	if c.reportInterval > 0 {
		c.tasks.Add(1)
		go c.runEvery(ctx, c.reportInterval, c.report)
	}
	slog.Debug("Cache background tasks started.", "cache", c.name,
		"sweepInterval", c.sweepInterval, "reportInterval", c.reportInterval)
}

// Stop ends the background tasks and waits for them to return. Stopping a cache that isn't running is a no-op.
func (c *TTLCache[V]) Stop() {
	c.lifecycleMux.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lifecycleMux.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.tasks.Wait()
}

// runEvery calls `task` on every tick of `interval` until `ctx` is done.
func (c *TTLCache[V]) runEvery(ctx context.Context, interval time.Duration, task func()) {
	defer c.tasks.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

func (c *TTLCache[V]) sweep() {
	removed := c.CleanExpired()
	slog.Info("Cache cleanup completed.", "cache", c.name, "remainingEntries", c.Len(), "evictedEntries", removed)
}

func (c *TTLCache[V]) report() {
	stats := c.Stats()
	slog.Info("Cache statistics.", "cache", c.name, "hits", stats.Hits, "misses", stats.Misses,
		"sets", stats.Sets, "evictions", stats.Evictions, "size", stats.Size,
		"hitRatio", roundTwoDecimals(stats.HitRatio()))

	mem := readMemory()
	slog.Info("Process memory.", "cache", c.name, "sysMB", mem.SysMB, "heapAllocMB", mem.HeapAllocMB,
		"heapInuseMB", mem.HeapInuseMB, "numGC", mem.NumGC)
}

// memoryFootprint is the process memory footprint logged next to the cache statistics.
type memoryFootprint struct {
	SysMB       float64 // Memory obtained from the OS, the closest runtime figure to the RSS.
	HeapAllocMB float64
	HeapInuseMB float64
	NumGC       uint32
}

func readMemory() memoryFootprint {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return memoryFootprint{
		SysMB:       toMB(ms.Sys),
		HeapAllocMB: toMB(ms.HeapAlloc),
		HeapInuseMB: toMB(ms.HeapInuse),
		NumGC:       ms.NumGC,
	}
}

func toMB(bytes uint64) float64 {
	return roundTwoDecimals(float64(bytes) / (1 << 20))
}

// roundTwoDecimals keeps two decimals of a logged figure.
func roundTwoDecimals(value float64) float64 {
	return float64(int64(value*100+0.5)) / 100
}
