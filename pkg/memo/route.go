// Memo serves repeated requests of expensive routes straight from memory. The route memoizer is an http.Handler
// middleware: on a miss the wrapped handler runs while its response is recorded, and successful (2xx) responses are
// kept in the shared cache; on a hit the recorded status, headers and body are replayed without calling the handler.

package memo

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/nobletooth/memo/pkg/cache"
	"github.com/nobletooth/memo/pkg/utils"
)

var (
	routeCacheTTL = flag.Duration("route_cache_ttl", 5*time.Minute,
		"Default lifetime of a memoized route response; 0 stores responses without expiry.")
	routeMaxBodyBytes = flag.Int64("route_cache_max_body_bytes", 1<<20,
		"Requests with a larger body bypass the route cache.")
	routeDoorkeeper = flag.Bool("route_cache_doorkeeper", false,
		"Only store a route response on the second miss of its key, so one-off requests don't fill the cache.")
	routeDoorkeeperCapacity = flag.Uint("route_cache_doorkeeper_capacity", 100_000,
		"Number of first sightings the doorkeeper remembers before it is reset.")
)

const (
	routeKeyPrefix          = "route:"
	doorkeeperFalsePositive = 0.01
)

// CachedResponse is what a hit replays.
type CachedResponse struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// KeyFunc computes the cache key of a request; `body` is the already buffered request body.
type KeyFunc func(r *http.Request, body []byte) string

// DefaultRouteKey keys a request by its method, request URI and a hash of its body.
func DefaultRouteKey(r *http.Request, body []byte) string {
	return routeKeyPrefix + r.Method + ":" + cache.EscapeKeySegment(r.URL.RequestURI()) + ":" +
		strconv.FormatUint(xxhash.Sum64(body), 16)
}

// RouteStats counts what the memoizer did with the requests it saw.
type RouteStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Stored   uint64 `json:"stored"`
	Bypassed uint64 `json:"bypassed"` // Requests whose body was too large to key.
}

// RouteMemoizer memoizes whole HTTP responses.
type RouteMemoizer struct {
	cache        cache.Layer[any]
	ttl          time.Duration
	keyFunc      KeyFunc
	maxBodyBytes int64
	doorkeeper   *doorkeeper // Nil when every 2xx miss is stored.

	hits, misses, stored, bypassed atomic.Uint64
}

// RouteOption customizes a RouteMemoizer.
type RouteOption func(*RouteMemoizer)

// WithTTL overrides the --route_cache_ttl flag.
func WithTTL(ttl time.Duration) RouteOption {
	return func(m *RouteMemoizer) { m.ttl = ttl }
}

// WithKeyFunc replaces DefaultRouteKey.
func WithKeyFunc(keyFunc KeyFunc) RouteOption {
	return func(m *RouteMemoizer) { m.keyFunc = keyFunc }
}

// WithDoorkeeper enables (capacity > 0) or disables (capacity == 0) the admission filter.
func WithDoorkeeper(capacity uint) RouteOption {
	return func(m *RouteMemoizer) { m.doorkeeper = newDoorkeeper(capacity) }
}

// NewRouteMemoizer returns a memoizer over `layer` configured by flags, then by `opts`.
func NewRouteMemoizer(layer cache.Layer[any], opts ...RouteOption) *RouteMemoizer {
	m := &RouteMemoizer{
		cache:        layer,
		ttl:          *routeCacheTTL,
		keyFunc:      DefaultRouteKey,
		maxBodyBytes: *routeMaxBodyBytes,
	}
	if *routeDoorkeeper {
		m.doorkeeper = newDoorkeeper(*routeDoorkeeperCapacity)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WrapFunc is Wrap for handler functions.
func (m *RouteMemoizer) WrapFunc(next http.HandlerFunc) http.Handler {
	return m.Wrap(next)
}

// Wrap returns a handler serving memoized responses of `next`.
func (m *RouteMemoizer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body, fits, err := bufferBody(r, m.maxBodyBytes)
		if err != nil {
			slog.Warn("Failed to read request body.", "method", r.Method, "path", r.URL.Path, "error", err)
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if !fits {
			m.bypassed.Add(1)
			next.ServeHTTP(w, r)
			return
		}

		key := m.keyFunc(r, body)
		if cached, found := m.cache.Get(key); found {
			if response, ok := cached.(*CachedResponse); ok && response != nil {
				m.hits.Add(1)
				response.replay(w)
				slog.Debug("Route cache hit.", "method", r.Method, "path", r.URL.Path, "key", key,
					"status", response.StatusCode, "duration", time.Since(start), "ip", ClientIP(r))
				return
			}
			utils.RaiseInvariant("memo", "route_type_mismatch", "Cached route response has an unexpected type.",
				"key", key, "type", fmt.Sprintf("%T", cached))
			m.cache.Delete(key)
		}
		m.misses.Add(1)

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)
		response := recorder.response()
		if response.StatusCode < 200 || response.StatusCode >= 300 {
			slog.Debug("Route response not cached.", "method", r.Method, "path", r.URL.Path,
				"status", response.StatusCode, "duration", time.Since(start), "ip", ClientIP(r))
			return
		}
		if m.doorkeeper != nil && !m.doorkeeper.admit(key) {
			return
		}
		m.cache.Set(key, response, m.ttl)
		m.stored.Add(1)
		slog.Debug("Route cache set.", "method", r.Method, "path", r.URL.Path, "key", key, "ttl", m.ttl,
			"status", response.StatusCode, "duration", time.Since(start), "ip", ClientIP(r))
	})
}

// Invalidate drops every memoized response of `method` whose request URI starts with `uriPrefix`.
func (m *RouteMemoizer) Invalidate(method, uriPrefix string) (int, error) {
	return m.cache.DeleteMatching(routeKeyPrefix + method + ":" + cache.EscapeKeySegment(uriPrefix) + "*")
}

func (m *RouteMemoizer) Stats() RouteStats {
	return RouteStats{
		Hits:     m.hits.Load(),
		Misses:   m.misses.Load(),
		Stored:   m.stored.Load(),
		Bypassed: m.bypassed.Load(),
	}
}

// bufferBody reads up to `limit` bytes of the request body and rewinds it for the next handler. It reports
// whether the whole body fit within the limit.
func bufferBody(r *http.Request, limit int64) ([]byte, bool /*fits*/, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
		return nil, false, nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true, nil
}

func (c *CachedResponse) replay(w http.ResponseWriter) {
	header := w.Header()
	for name, values := range c.Header {
		header[name] = slices.Clone(values)
	}
	w.WriteHeader(c.StatusCode)
	if _, err := w.Write(c.Body); err != nil {
		slog.Debug("Failed to write cached response.", "error", err)
	}
}

// responseRecorder writes through to the client while keeping a copy of the response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	header      http.Header // Snapshot taken when the status is written.
	body        bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.statusCode = statusCode
	r.header = r.ResponseWriter.Header().Clone()
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(data)
	return r.ResponseWriter.Write(data)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *responseRecorder) response() *CachedResponse {
	if !r.wroteHeader { // A handler that writes nothing answers 200 with an empty body.
		r.statusCode = http.StatusOK
		r.header = r.ResponseWriter.Header().Clone()
	}
	return &CachedResponse{
		StatusCode: r.statusCode,
		Header:     r.header,
		Body:       bytes.Clone(r.body.Bytes()),
	}
}

// doorkeeper remembers keys seen once in a bloom filter; a key is admitted the second time it shows up. The filter
// is emptied after `capacity` first sightings so its false positive rate stays near the configured target.
type doorkeeper struct {
	mux      sync.Mutex
	filter   *bloom.BloomFilter
	capacity uint
	added    uint
}

func newDoorkeeper(capacity uint) *doorkeeper {
	if capacity == 0 {
		return nil
	}
	return &doorkeeper{filter: bloom.NewWithEstimates(capacity, doorkeeperFalsePositive), capacity: capacity}
}

func (d *doorkeeper) admit(key string) bool {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.filter.TestAndAddString(key) {
		return true
	}
	d.added++
	if d.added >= d.capacity {
		d.filter.ClearAll()
		d.added = 0
	}
	return false
}

// ClientIP returns the address of the client that sent `r`, honoring proxy headers.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
