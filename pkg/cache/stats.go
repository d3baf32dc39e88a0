// Every TTLCache keeps cumulative hit / miss / set / eviction counters for the process lifetime. Clear() drops the
// entries but not the counters; they describe how effective the cache has been, not what it holds right now.
// The same events are mirrored into prometheus so dashboards don't depend on the /stats endpoint.

package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	evictedOnRead  = "read"  // An expired entry was removed by the Get that found it.
	evictedOnSweep = "sweep" // An expired entry was removed by the periodic sweep.
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memo_cache_lookups_total",
		Help: "Total number of cache lookups.",
	}, []string{"cache", "status" /* hit | miss */})
	cacheSets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memo_cache_sets_total",
		Help: "Total number of cache writes.",
	}, []string{"cache"})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memo_cache_evictions_total",
		Help: "Total number of expired entries removed from the cache.",
	}, []string{"cache", "reason" /* read | sweep */})
	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memo_cache_entries",
		Help: "Number of entries held by the cache after the latest sweep.",
	}, []string{"cache"})
)

// Stats is a snapshot of the cache statistics.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"` // Physically held entries, expired-but-unswept ones included.
}

// HitRatio returns hits / (hits + misses) as a percentage; 0 when nothing was looked up yet.
func (s Stats) HitRatio() float64 {
	lookups := s.Hits + s.Misses
	if lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(lookups) * 100
}

// counters holds the cumulative statistics. Each counter is updated atomically on its own, so a snapshot is not a
// consistent cut across counters.
type counters struct {
	hits, misses, sets, evictions atomic.Uint64

	// Prometheus children curried with the cache name.
	hitMetric, missMetric, setMetric  prometheus.Counter
	readEvictMetric, sweepEvictMetric prometheus.Counter
	entriesMetric                     prometheus.Gauge
}

func newCounters(cacheName string) *counters {
	return &counters{
		hitMetric:        cacheLookups.WithLabelValues(cacheName, "hit"),
		missMetric:       cacheLookups.WithLabelValues(cacheName, "miss"),
		setMetric:        cacheSets.WithLabelValues(cacheName),
		readEvictMetric:  cacheEvictions.WithLabelValues(cacheName, evictedOnRead),
		sweepEvictMetric: cacheEvictions.WithLabelValues(cacheName, evictedOnSweep),
		entriesMetric:    cacheEntries.WithLabelValues(cacheName),
	}
}

func (c *counters) hit() {
	c.hits.Add(1)
	c.hitMetric.Inc()
}

func (c *counters) miss() {
	c.misses.Add(1)
	c.missMetric.Inc()
}

func (c *counters) set() {
	c.sets.Add(1)
	c.setMetric.Inc()
}

func (c *counters) evicted(reason string, count int) {
	if count <= 0 {
		return
	}
	c.evictions.Add(uint64(count))
	if reason == evictedOnSweep {
		c.sweepEvictMetric.Add(float64(count))
	} else {
		c.readEvictMetric.Add(float64(count))
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
	}
}
