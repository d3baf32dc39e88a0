package memo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/memo/pkg/cache"
)

type testClock struct {
	mux sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.now = c.now.Add(d)
}

func newTestLayer(t *testing.T) (*cache.TTLCache[any], *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	return cache.New[any](cache.Options{Name: t.Name(), ShardCount: 4, Now: clock.Now}), clock
}

// countingFetch returns a fetch function that counts its calls and returns `value`.
func countingFetch[V any](value V, calls *atomic.Int32) func(context.Context) (V, error) {
	return func(context.Context) (V, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestQueryKey(t *testing.T) {
	key, err := QueryKey("devices.get", []any{"plc/1", 7})
	require.NoError(t, err)
	assert.Equal(t, "db:devices.get:"+cache.EscapeKeySegment(`["plc/1",7]`), key)
	assert.NotContains(t, key, "/")

	noParams, err := QueryKey("devices.list", nil)
	require.NoError(t, err)
	emptyParams, err := QueryKey("devices.list", []any{})
	require.NoError(t, err)
	assert.Equal(t, noParams, emptyParams)

	first, err := QueryKey("q", []any{map[string]int{"b": 2, "a": 1}})
	require.NoError(t, err)
	second, err := QueryKey("q", []any{map[string]int{"a": 1, "b": 2}})
	require.NoError(t, err)
	assert.Equal(t, first, second, "Map params must be encoded canonically")

	_, err = QueryKey("", nil)
	assert.Error(t, err)
	_, err = QueryKey("q", []any{make(chan int)})
	assert.Error(t, err)
}

func TestExecCached_HitWithinTTLAndRefetchAfterExpiry(t *testing.T) {
	layer, clock := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	var calls atomic.Int32
	fetch := countingFetch([]string{"plc-1", "plc-2"}, &calls)

	for range 2 {
		devices, err := ExecCached(t.Context(), memoizer, "devices.list", nil, Read, fetch, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{"plc-1", "plc-2"}, devices)
	}
	assert.EqualValues(t, 1, calls.Load())

	clock.Advance(time.Minute + time.Millisecond)
	_, err := ExecCached(t.Context(), memoizer, "devices.list", nil, Read, fetch, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	stats := memoizer.Stats()
	assert.EqualValues(t, 3, stats.QueryCount)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
	assert.InDelta(t, 33.33, stats.HitRatio, 0.01)
	assert.Equal(t, cache.Stats{Hits: 1, Misses: 2, Sets: 2, Evictions: 1, Size: 1}, layer.Stats())
}

func TestExecCached_DifferentParamsDifferentEntries(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	fetchDevice := func(id string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) { return "device " + id, nil }
	}

	first, err := ExecCached(t.Context(), memoizer, "devices.get", []any{"1"}, Read, fetchDevice("1"), time.Minute)
	require.NoError(t, err)
	second, err := ExecCached(t.Context(), memoizer, "devices.get", []any{"2"}, Read, fetchDevice("2"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "device 1", first)
	assert.Equal(t, "device 2", second)
	assert.Equal(t, 2, layer.Len())
}

func TestExecCached_ZeroTTLNeverStores(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	var calls atomic.Int32

	for range 3 {
		_, err := ExecCached(t.Context(), memoizer, "devices.list", nil, Read, countingFetch(1, &calls), 0)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, layer.Len())
	assert.Zero(t, layer.Stats().Sets)
}

func TestExecCached_ErrorsAreNotCached(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	errBoom := errors.New("boom")
	var calls atomic.Int32
	failing := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errBoom
	}

	_, err := ExecCached(t.Context(), memoizer, "devices.list", nil, Read, failing, time.Minute)
	assert.ErrorIs(t, err, errBoom)
	_, err = ExecCached(t.Context(), memoizer, "devices.list", nil, Read, failing, time.Minute)
	assert.ErrorIs(t, err, errBoom)
	assert.EqualValues(t, 2, calls.Load())
	assert.Zero(t, layer.Len())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = ExecCached(ctx, memoizer, "devices.list", nil, Read, func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, layer.Len())
}

func TestExecCached_WriteBypassesCache(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	var calls atomic.Int32

	for range 2 {
		_, err := ExecCached(t.Context(), memoizer, "devices.put", []any{"1"}, Write, countingFetch(true, &calls),
			time.Minute)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, cache.Stats{}, layer.Stats(), "Writes must not touch the cache")
	assert.Equal(t, QueryStats{}, memoizer.Stats())
}

func TestExecCached_NilResultIsCached(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	var calls atomic.Int32
	type device struct{ ID string }

	for range 2 {
		found, err := ExecCached(t.Context(), memoizer, "devices.get", []any{"missing"}, Read,
			countingFetch[*device](nil, &calls), time.Minute)
		require.NoError(t, err)
		assert.Nil(t, found)
	}
	assert.EqualValues(t, 1, calls.Load(), "A nil result is a cached answer, not an absent entry")
}

func TestExecCached_CallersGetIndependentCopies(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	var calls atomic.Int32
	type device struct {
		ID   string
		Tags []string
	}
	fetch := countingFetch([]*device{{ID: "plc-1", Tags: []string{"north"}}}, &calls)

	first, err := ExecCached(t.Context(), memoizer, "devices.list", nil, Read, fetch, time.Minute)
	require.NoError(t, err)
	first[0].ID = "tampered"
	first[0].Tags[0] = "south"

	second, err := ExecCached(t.Context(), memoizer, "devices.list", nil, Read, fetch, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	require.Len(t, second, 1)
	assert.Equal(t, &device{ID: "plc-1", Tags: []string{"north"}}, second[0])

	ints := countingFetch([]int{1, 2, 3}, &calls)
	numbers, err := ExecCached(t.Context(), memoizer, "numbers", nil, Read, ints, time.Minute)
	require.NoError(t, err)
	numbers[0] = 99
	numbers, err = ExecCached(t.Context(), memoizer, "numbers", nil, Read, ints, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, numbers)
}

func TestExecCached_UnencodableResultIsAnError(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	_, err := ExecCached(t.Context(), memoizer, "channels", nil, Read,
		func(context.Context) (chan int, error) { return make(chan int), nil }, time.Minute)
	assert.Error(t, err)
	assert.Zero(t, layer.Len())
}

func TestExecCached_ConcurrentMissesFetchOnce(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	var calls atomic.Int32
	release := make(chan struct{})
	slowFetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const callers = 20
	var started, done sync.WaitGroup
	results := make([]int, callers)
	for i := range callers {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			results[i], _ = ExecCached(t.Context(), memoizer, "slow", nil, Read, slowFetch, time.Minute)
		}()
	}
	started.Wait()
	// Every caller missed; give the last ones a moment to join the in-flight fetch before it completes.
	assert.Eventually(t, func() bool { return memoizer.Stats().Misses == callers }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, result := range results {
		assert.Equal(t, 42, result)
	}
}

func TestQueryMemoizer_Invalidate(t *testing.T) {
	layer, _ := newTestLayer(t)
	memoizer := NewQueryMemoizer(layer)
	var calls atomic.Int32
	fetch := countingFetch("value", &calls)

	for _, query := range []struct {
		id     string
		params []any
	}{
		{id: "devices.list"},
		{id: "devices.get", params: []any{"1"}},
		{id: "devices.get", params: []any{"2"}},
		{id: "users.get", params: []any{"alice"}},
	} {
		_, err := ExecCached(t.Context(), memoizer, query.id, query.params, Read, fetch, time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 4, layer.Len())

	require.NoError(t, memoizer.InvalidateQuery("devices.get", []any{"1"}))
	assert.Equal(t, 3, layer.Len())

	removed, err := memoizer.InvalidatePattern("devices*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, layer.Len())

	_, err = memoizer.InvalidatePattern("a/b")
	assert.Error(t, err)

	_, err = ExecCached(t.Context(), memoizer, "devices.list", nil, Read, fetch, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 5, calls.Load(), "Invalidated queries must be fetched again")
}

func TestQueryMemoizer_DefaultTTLFromFlag(t *testing.T) {
	assert.Equal(t, 5*time.Minute, NewQueryMemoizer(cache.NewNoOp[any]()).DefaultTTL())
}

func TestMethod_String(t *testing.T) {
	assert.Equal(t, "read", Read.String())
	assert.Equal(t, "write", Write.String())
	assert.Equal(t, "Method(7)", Method(7).String())
}
