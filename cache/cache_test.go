package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals/cache"
	"tidbyt.dev/arrivals/model"
)

type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func newCache(ttl time.Duration) (*cache.ScheduleCache, *clock) {
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := cache.NewScheduleCache(ttl)
	c.TimeNow = clk.Now
	return c, clk
}

func schedule(label string) *model.Schedule {
	s := model.EmptySchedule()
	s.Outbound = append(s.Outbound, model.RouteGroup{
		RouteLabel: label,
		Direction:  model.Outbound,
		Arrivals:   []model.Arrival{{ETAMinutes: model.IntPtr(4)}},
	})
	return s
}

type counter struct {
	hits, misses, coalesced atomic.Int32
}

func (c *counter) CacheHit()       { c.hits.Add(1) }
func (c *counter) CacheMiss()      { c.misses.Add(1) }
func (c *counter) CacheCoalesced() { c.coalesced.Add(1) }

func TestGetPutTTL(t *testing.T) {
	c, clk := newCache(2 * time.Minute)

	_, found := c.Get("bart:EMBR")
	assert.False(t, found)

	s := schedule("Dublin/Pleasanton")
	c.Put("bart:EMBR", s)

	got, found := c.Get("bart:EMBR")
	require.True(t, found)
	assert.Same(t, s, got)
	assert.Equal(t, cache.Ready, c.State("bart:EMBR"))

	clk.Advance(2*time.Minute - time.Second)
	got, found = c.Get("bart:EMBR")
	require.True(t, found)
	assert.Same(t, s, got)

	// stored_at + ttl reached: absent
	clk.Advance(time.Second)
	_, found = c.Get("bart:EMBR")
	assert.False(t, found)
}

func TestDefaultTTL(t *testing.T) {
	c := cache.NewScheduleCache(0)
	assert.Equal(t, cache.DefaultTTL, c.TTL)
}

func TestInvalidate(t *testing.T) {
	c, _ := newCache(time.Minute)

	c.Put("muni:15731", schedule("14"))
	c.Invalidate("muni:15731")

	_, found := c.Get("muni:15731")
	assert.False(t, found)
	assert.Equal(t, cache.Unrequested, c.State("muni:15731"))
}

func TestFetchCachesResult(t *testing.T) {
	c, clk := newCache(time.Minute)
	obs := &counter{}
	c.Observer = obs

	calls := 0
	fetch := func(ctx context.Context) (*model.Schedule, error) {
		calls++
		return schedule("14"), nil
	}

	assert.Equal(t, cache.Unrequested, c.State("k"))

	first, err := c.Fetch(context.Background(), "k", fetch)
	require.NoError(t, err)
	second, err := c.Fetch(context.Background(), "k", fetch)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, cache.Ready, c.State("k"))
	assert.Equal(t, int32(1), obs.hits.Load())
	assert.Equal(t, int32(1), obs.misses.Load())

	// Expired entries are refetched
	clk.Advance(time.Minute)
	third, err := c.Fetch(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, calls)
}

func TestFetchCoalescesConcurrentMisses(t *testing.T) {
	c, _ := newCache(time.Minute)
	obs := &counter{}
	c.Observer = obs

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(ctx context.Context) (*model.Schedule, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return schedule("14"), nil
	}

	const n = 10
	results := make([]*model.Schedule, n)
	errs := make([]error, n)
	wg := sync.WaitGroup{}

	// First caller gets the fetch going
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Fetch(context.Background(), "k", fetch)
	}()
	<-started
	assert.Equal(t, cache.Fetching, c.State("k"))

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(context.Background(), "k", fetch)
		}(i)
	}

	// Let the waiters pile up on the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(n), obs.coalesced.Load())
}

func TestFetchFailureNotCached(t *testing.T) {
	c, _ := newCache(time.Minute)

	calls := 0
	boom := errors.New("boom")
	failing := func(ctx context.Context) (*model.Schedule, error) {
		calls++
		return model.EmptySchedule(), boom
	}

	s, err := c.Fetch(context.Background(), "k", failing)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, s)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, cache.Failed, c.State("k"))
	_, found := c.Get("k")
	assert.False(t, found)

	// Next call retries immediately
	_, err = c.Fetch(context.Background(), "k", failing)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	// And recovers
	_, err = c.Fetch(context.Background(), "k", func(ctx context.Context) (*model.Schedule, error) {
		calls++
		return schedule("14"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, cache.Ready, c.State("k"))
}

func TestRefreshOverwrites(t *testing.T) {
	c, _ := newCache(time.Hour)

	old := schedule("old")
	c.Put("k", old)

	fresh, err := c.Refresh(context.Background(), "k", func(ctx context.Context) (*model.Schedule, error) {
		return schedule("new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", fresh.Outbound[0].RouteLabel)

	got, found := c.Get("k")
	require.True(t, found)
	assert.Same(t, fresh, got)
}

func TestRefreshFailureKeepsOldEntry(t *testing.T) {
	c, _ := newCache(time.Hour)
	c.Put("k", schedule("old"))

	_, err := c.Refresh(context.Background(), "k", func(ctx context.Context) (*model.Schedule, error) {
		return model.EmptySchedule(), errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, cache.Failed, c.State("k"))

	// The old entry is still there; a failed refresh doesn't
	// poison it.
	got, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, "old", got.Outbound[0].RouteLabel)
}

func TestRefreshSupersedesInFlight(t *testing.T) {
	c, _ := newCache(time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	slow := func(ctx context.Context) (*model.Schedule, error) {
		close(started)
		<-release
		return schedule("stale"), nil
	}

	done := make(chan *model.Schedule)
	go func() {
		s, _ := c.Fetch(context.Background(), "k", slow)
		done <- s
	}()
	<-started

	fresh, err := c.Refresh(context.Background(), "k", func(ctx context.Context) (*model.Schedule, error) {
		return schedule("fresh"), nil
	})
	require.NoError(t, err)

	close(release)
	stale := <-done
	assert.Equal(t, "stale", stale.Outbound[0].RouteLabel)

	// The older fetch finished last, but the refresh result stays.
	got, found := c.Get("k")
	require.True(t, found)
	assert.Same(t, fresh, got)
}

func TestInvalidateSupersedesInFlight(t *testing.T) {
	c, _ := newCache(time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	slow := func(ctx context.Context) (*model.Schedule, error) {
		close(started)
		<-release
		return schedule("stale"), nil
	}

	done := make(chan *model.Schedule)
	go func() {
		s, _ := c.Fetch(context.Background(), "k", slow)
		done <- s
	}()
	<-started

	c.Invalidate("k")

	// A fetch after invalidation doesn't join the one in flight
	var calls atomic.Int32
	fresh, err := c.Fetch(context.Background(), "k", func(ctx context.Context) (*model.Schedule, error) {
		calls.Add(1)
		return schedule("fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "fresh", fresh.Outbound[0].RouteLabel)

	got, found := c.Get("k")
	require.True(t, found)
	assert.Same(t, fresh, got)
	assert.Equal(t, cache.Ready, c.State("k"))

	close(release)
	stale := <-done
	assert.Equal(t, "stale", stale.Outbound[0].RouteLabel)

	// And the stale result isn't stored
	got, found = c.Get("k")
	require.True(t, found)
	assert.Same(t, fresh, got)
}

func TestExpiryResetsState(t *testing.T) {
	c, clk := newCache(time.Minute)

	c.Put("a", schedule("a"))
	c.Put("b", schedule("b"))
	assert.Equal(t, cache.Ready, c.State("a"))

	clk.Advance(time.Minute)

	// Expired on read
	_, found := c.Get("a")
	assert.False(t, found)
	assert.Equal(t, cache.Unrequested, c.State("a"))

	// Expired on purge
	assert.Equal(t, cache.Ready, c.State("b"))
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, cache.Unrequested, c.State("b"))

	// A failed refresh is still reported after its old entry
	// expires
	c.Put("c", schedule("c"))
	_, err := c.Refresh(context.Background(), "c", func(ctx context.Context) (*model.Schedule, error) {
		return nil, errors.New("upstream down")
	})
	require.Error(t, err)
	clk.Advance(time.Minute)
	_, found = c.Get("c")
	assert.False(t, found)
	assert.Equal(t, cache.Failed, c.State("c"))
}

func TestFetchCallerCancellation(t *testing.T) {
	c, _ := newCache(time.Hour)

	release := make(chan struct{})
	fetch := func(ctx context.Context) (*model.Schedule, error) {
		<-release
		// Not canceled along with the caller
		assert.NoError(t, ctx.Err())
		return schedule("14"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, "k", fetch)
	assert.ErrorIs(t, err, context.Canceled)

	// The fetch itself completes and is stored for the next
	// caller.
	close(release)
	assert.Eventually(t, func() bool {
		_, found := c.Get("k")
		return found
	}, time.Second, 5*time.Millisecond)
}

func TestPurge(t *testing.T) {
	c, clk := newCache(time.Minute)

	c.Put("a", schedule("a"))
	clk.Advance(30 * time.Second)
	c.Put("b", schedule("b"))
	clk.Advance(30 * time.Second)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())

	_, found := c.Get("b")
	assert.True(t, found)
}
