package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tidbyt.dev/arrivals/model"
)

const DefaultTTL = 3 * time.Minute

// Where a key is in its fetch lifecycle.
//
//	Unrequested -> Fetching -> Ready | Failed
//	Ready | Failed --refresh--> Fetching
type State int

const (
	Unrequested State = iota
	Fetching
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unrequested"
}

// Produces a fresh schedule for a key.
type FetchFunc func(ctx context.Context) (*model.Schedule, error)

// Optional hooks for instrumentation.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheCoalesced()
}

// TTL bound store of normalized schedules.
//
// Concurrent misses for the same key are collapsed into a single
// fetch whose result is shared by all callers. Failed fetches are
// never stored.
type ScheduleCache struct {
	TTL      time.Duration
	TimeNow  func() time.Time
	Observer Observer

	mutex   sync.Mutex
	entries map[string]entry
	states  map[string]State

	// Bumped by Refresh and Invalidate. A fetch only stores its
	// result if the generation is unchanged since it started.
	generations map[string]uint64

	group singleflight.Group
}

type entry struct {
	schedule *model.Schedule
	storedAt time.Time
	ttl      time.Duration
}

func NewScheduleCache(ttl time.Duration) *ScheduleCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ScheduleCache{
		TTL:         ttl,
		TimeNow:     time.Now,
		entries:     map[string]entry{},
		states:      map[string]State{},
		generations: map[string]uint64{},
	}
}

// Returns the stored schedule, unless absent or expired.
func (c *ScheduleCache) Get(key string) (*model.Schedule, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.get(key)
}

func (c *ScheduleCache) get(key string) (*model.Schedule, bool) {
	e, found := c.entries[key]
	if !found {
		return nil, false
	}
	if !c.now().Before(e.storedAt.Add(e.ttl)) {
		c.expire(key)
		return nil, false
	}
	return e.schedule, true
}

// Drops an expired entry. A key that was Ready goes back to
// Unrequested. Fetching and Failed are left alone.
func (c *ScheduleCache) expire(key string) {
	delete(c.entries, key)
	if c.states[key] == Ready {
		delete(c.states, key)
	}
}

func (c *ScheduleCache) Put(key string, schedule *model.Schedule) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.put(key, schedule)
}

func (c *ScheduleCache) put(key string, schedule *model.Schedule) {
	c.entries[key] = entry{
		schedule: schedule,
		storedAt: c.now(),
		ttl:      c.TTL,
	}
	c.states[key] = Ready
}

// Drops the entry. Results of fetches in flight for the key are
// still returned to their callers, but not stored, and later
// callers don't join them.
func (c *ScheduleCache) Invalidate(key string) {
	c.mutex.Lock()
	delete(c.entries, key)
	delete(c.states, key)
	c.generations[key]++
	c.mutex.Unlock()

	c.group.Forget(key)
}

// Returns the cached schedule, or fetches one. Concurrent callers
// missing on the same key share a single call to fetch.
//
// The fetch runs detached from ctx, so a caller giving up doesn't
// fail it for the others. fetch must bound its own duration.
func (c *ScheduleCache) Fetch(ctx context.Context, key string, fetch FetchFunc) (*model.Schedule, error) {
	c.mutex.Lock()
	if s, ok := c.get(key); ok {
		c.mutex.Unlock()
		c.observe(func(o Observer) { o.CacheHit() })
		return s, nil
	}
	c.mutex.Unlock()

	c.observe(func(o Observer) { o.CacheMiss() })
	return c.do(ctx, key, fetch, false)
}

// Fetches regardless of what's cached and overwrites the entry. A
// fetch already in flight for the key is not joined, and its result
// won't be stored.
func (c *ScheduleCache) Refresh(ctx context.Context, key string, fetch FetchFunc) (*model.Schedule, error) {
	c.mutex.Lock()
	c.generations[key]++
	c.mutex.Unlock()

	c.group.Forget(key)
	return c.do(ctx, key, fetch, true)
}

func (c *ScheduleCache) do(ctx context.Context, key string, fetch FetchFunc, refresh bool) (*model.Schedule, error) {
	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		c.mutex.Lock()
		if !refresh {
			// Another fetch may have completed since the
			// caller missed.
			if s, ok := c.get(key); ok {
				c.mutex.Unlock()
				return s, nil
			}
		}
		gen := c.generations[key]
		c.states[key] = Fetching
		c.mutex.Unlock()

		schedule, err := fetch(detached)

		c.mutex.Lock()
		defer c.mutex.Unlock()
		if c.generations[key] != gen {
			// Superseded by a refresh or invalidation.
			return schedule, err
		}
		if err != nil {
			c.states[key] = Failed
			return schedule, err
		}
		c.put(key, schedule)
		return schedule, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.observe(func(o Observer) { o.CacheCoalesced() })
		}
		schedule, _ := res.Val.(*model.Schedule)
		if res.Err != nil {
			return schedule, res.Err
		}
		return schedule, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lifecycle state of a key.
func (c *ScheduleCache) State(key string) State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.states[key]
}

// Number of entries, including expired ones not yet purged.
func (c *ScheduleCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Removes expired entries. Returns the number removed.
func (c *ScheduleCache) Purge() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	n := 0
	for key, e := range c.entries {
		if !now.Before(e.storedAt.Add(e.ttl)) {
			c.expire(key)
			n++
		}
	}
	return n
}

func (c *ScheduleCache) now() time.Time {
	if c.TimeNow != nil {
		return c.TimeNow()
	}
	return time.Now()
}

func (c *ScheduleCache) observe(f func(Observer)) {
	if c.Observer != nil {
		f(c.Observer)
	}
}
