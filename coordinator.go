package arrivals

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tidbyt.dev/arrivals/cache"
	"tidbyt.dev/arrivals/canonical"
	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/normalize"
	"tidbyt.dev/arrivals/proximity"
	"tidbyt.dev/arrivals/upstream"
)

const (
	DefaultRadiusMiles     = 0.15
	DefaultUpstreamTimeout = 10 * time.Second
	DefaultPoolSize        = 8
)

// A transit agency and the upstreams serving it.
type Agency struct {
	Name string

	// Multi-entrance stations collapse to one stop per station
	// code.
	Hub bool

	// Source of nearby stops. Agencies without one are skipped by
	// FindNearbyStops.
	Nearby upstream.NearbyProvider

	// Realtime feed. Agencies without one can't produce
	// schedules.
	Feed upstream.Feed

	// Optional. Finds stops around vehicle positions, for vehicle
	// hints in schedules.
	Vehicles upstream.NearbyProvider

	// Optional. Timetabled arrivals, used when the realtime feed
	// has none for a stop.
	Timetable ScheduleSource
}

// Source of timetabled arrivals in [now, now+window).
type ScheduleSource interface {
	Arrivals(ctx context.Context, agency string, stop model.CanonicalStop, now time.Time) ([]model.ScheduledArrival, error)
}

// Optional instrumentation hooks.
type Observer interface {
	cache.Observer
	UpstreamCall(call string, agency string, took time.Duration, err error)
	AgencyFailed(agency string)
	SlotAcquired()
	SlotReleased()
}

type Options struct {
	// Bound on concurrent upstream calls, shared by all
	// operations.
	PoolSize int

	CacheTTL     time.Duration
	ProximityTTL time.Duration
}

// Outcome of a nearby-stop search.
type NearbyResult struct {
	Stops []model.CanonicalStop

	// Non-fatal problems: *AgencyError for agencies that failed,
	// and raw stops dropped for lack of identifiers.
	Warnings []error
}

// Coordinates nearby-stop searches and schedule lookups across
// agencies.
type Coordinator struct {
	DefaultRadiusMiles float64
	UpstreamTimeout    time.Duration
	Logger             *log.Logger

	Cache      *cache.ScheduleCache
	Normalizer *normalize.Normalizer

	observer  Observer
	agencies  map[string]Agency
	order     []string
	resolvers map[string]*proximity.Resolver
	pool      *semaphore.Weighted
}

func NewCoordinator(agencies []Agency, opts Options) (*Coordinator, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	c := &Coordinator{
		DefaultRadiusMiles: DefaultRadiusMiles,
		UpstreamTimeout:    DefaultUpstreamTimeout,
		Logger:             log.Default(),
		Cache:              cache.NewScheduleCache(opts.CacheTTL),
		Normalizer:         normalize.NewNormalizer(nil),
		agencies:           map[string]Agency{},
		resolvers:          map[string]*proximity.Resolver{},
		pool:               semaphore.NewWeighted(int64(poolSize)),
	}

	for _, a := range agencies {
		name := agencyKey(a.Name)
		if name == "" {
			return nil, fmt.Errorf("agency without name")
		}
		if _, found := c.agencies[name]; found {
			return nil, fmt.Errorf("duplicate agency %q", a.Name)
		}
		c.agencies[name] = a
		c.order = append(c.order, name)

		if a.Vehicles != nil {
			r := proximity.NewResolver(&pooledProvider{c: c, call: "proximity", p: a.Vehicles}, opts.ProximityTTL)
			r.Agency = a.Name
			r.Logger = c.Logger
			c.resolvers[name] = r
		}
	}

	return c, nil
}

// Wires instrumentation into the coordinator and its cache.
func (c *Coordinator) Instrument(o Observer) {
	c.observer = o
	c.Cache.Observer = o
}

// The vehicle hint resolver of an agency, if it has one.
func (c *Coordinator) Resolver(agency string) *proximity.Resolver {
	return c.resolvers[agencyKey(agency)]
}

func (c *Coordinator) Agencies() []Agency {
	res := make([]Agency, 0, len(c.order))
	for _, name := range c.order {
		res = append(res, c.agencies[name])
	}
	return res
}

// Finds stops within radiusMiles of lat, lon across all agencies.
//
// Agencies are queried concurrently and all are waited for. Those
// that fail are reported as warnings; only if every one of them
// fails is an error (wrapping ErrAllAgenciesFailed) returned.
func (c *Coordinator) FindNearbyStops(ctx context.Context, lat, lon, radiusMiles float64) (*NearbyResult, error) {
	if radiusMiles <= 0 {
		radiusMiles = c.DefaultRadiusMiles
		if radiusMiles <= 0 {
			radiusMiles = DefaultRadiusMiles
		}
	}

	queried := []Agency{}
	for _, name := range c.order {
		if a := c.agencies[name]; a.Nearby != nil {
			queried = append(queried, a)
		}
	}

	stops := make([][]model.RawStop, len(queried))
	errs := make([]error, len(queried))

	g := errgroup.Group{}
	for i, a := range queried {
		g.Go(func() error {
			errs[i] = c.call(ctx, "nearby", a.Name, func(ctx context.Context) error {
				var err error
				stops[i], err = a.Nearby.NearbyStops(ctx, lat, lon, radiusMiles, a.Name)
				return err
			})
			// Join all, never fail fast.
			return nil
		})
	}
	g.Wait()

	res := &NearbyResult{Stops: []model.CanonicalStop{}}
	raw := []model.RawStop{}
	agencyErrs := []error{}
	hubs := map[string]bool{}

	for i, a := range queried {
		if a.Hub {
			hubs[agencyKey(a.Name)] = true
		}
		if errs[i] != nil {
			agencyErr := &AgencyError{Agency: a.Name, Err: errs[i]}
			agencyErrs = append(agencyErrs, agencyErr)
			c.logf("nearby stops: %v", agencyErr)
			if c.observer != nil {
				c.observer.AgencyFailed(a.Name)
			}
			continue
		}
		for _, s := range stops[i] {
			if s.Agency == "" {
				s.Agency = a.Name
			}
			raw = append(raw, s)
		}
	}

	canon := canonical.Canonicalize(raw, hubs)
	res.Stops = canon.Stops
	res.Warnings = append(res.Warnings, agencyErrs...)
	res.Warnings = append(res.Warnings, canon.Warnings...)
	for _, w := range canon.Warnings {
		c.logf("nearby stops: dropped %v", w)
	}

	if len(queried) > 0 && len(agencyErrs) == len(queried) {
		return res, fmt.Errorf("%w: %w", ErrAllAgenciesFailed, errors.Join(agencyErrs...))
	}

	return res, nil
}

// Returns the live schedule of a stop, from cache unless expired or
// forceRefresh is set.
//
// Concurrent calls for the same stop share a single upstream fetch.
// Failures are not cached nor retried: an empty schedule is returned
// along with the error.
func (c *Coordinator) GetSchedule(ctx context.Context, stop model.CanonicalStop, forceRefresh bool) (*model.Schedule, error) {
	a, found := c.agencies[agencyKey(stop.Agency)]
	if !found {
		return model.EmptySchedule(), fmt.Errorf("%w: %q", ErrUnknownAgency, stop.Agency)
	}
	if a.Feed == nil {
		return model.EmptySchedule(), fmt.Errorf("%w: no realtime feed for %q", ErrUnknownAgency, stop.Agency)
	}

	key := stop.Key()
	fetch := func(ctx context.Context) (*model.Schedule, error) {
		return c.fetchSchedule(ctx, a, stop)
	}

	var schedule *model.Schedule
	var err error
	if forceRefresh {
		c.logf("refreshing schedule for %s", key)
		schedule, err = c.Cache.Refresh(ctx, key, fetch)
	} else {
		schedule, err = c.Cache.Fetch(ctx, key, fetch)
	}

	if schedule == nil {
		schedule = model.EmptySchedule()
	}
	if err != nil {
		c.logf("schedule for %s: %v", key, err)
		return schedule, fmt.Errorf("getting schedule for %s: %w", key, err)
	}

	return schedule, nil
}

func (c *Coordinator) fetchSchedule(ctx context.Context, a Agency, stop model.CanonicalStop) (*model.Schedule, error) {
	code := stop.LookupCode
	if code == "" {
		code = stop.CanonicalID
	}

	kind := a.Feed.Kind()

	var body []byte
	err := c.call(ctx, string(kind), a.Name, func(ctx context.Context) error {
		var err error
		body, err = a.Feed.Fetch(ctx, a.Name, code)
		return err
	})
	if err != nil {
		return model.EmptySchedule(), err
	}

	normalizer := *c.Normalizer
	if r, found := c.resolvers[agencyKey(a.Name)]; found {
		normalizer.Namer = r
	}

	schedule, err := normalizer.Normalize(ctx, kind, body)
	if err != nil {
		return schedule, err
	}
	if normalizer.TimeNow != nil {
		schedule.FetchedAt = normalizer.TimeNow()
	} else {
		schedule.FetchedAt = time.Now()
	}

	if schedule.IsEmpty() && a.Timetable != nil {
		schedule = c.scheduledFallback(ctx, a, stop, &normalizer, schedule)
	}

	return schedule, nil
}

// Timetabled arrivals for a stop the realtime feed had nothing
// for. Failures are logged and leave the realtime schedule as is.
func (c *Coordinator) scheduledFallback(ctx context.Context, a Agency, stop model.CanonicalStop, normalizer *normalize.Normalizer, realtime *model.Schedule) *model.Schedule {
	now := realtime.FetchedAt

	var arrivals []model.ScheduledArrival
	err := c.call(ctx, "timetable", a.Name, func(ctx context.Context) error {
		var err error
		arrivals, err = a.Timetable.Arrivals(ctx, a.Name, stop, now)
		return err
	})
	if err != nil {
		c.logf("timetable for %s: %v", stop.Key(), err)
		return realtime
	}

	scheduled := normalizer.FromScheduled(arrivals)
	scheduled.FetchedAt = now
	return scheduled
}

// Loads schedules for many stops concurrently, e.g. to warm up the
// cache for a list about to be displayed. Returns the failures by
// stop key.
func (c *Coordinator) Prewarm(ctx context.Context, stops []model.CanonicalStop) map[string]error {
	mutex := sync.Mutex{}
	failures := map[string]error{}

	g := errgroup.Group{}
	for _, stop := range stops {
		g.Go(func() error {
			_, err := c.GetSchedule(ctx, stop, false)
			if err != nil {
				mutex.Lock()
				failures[stop.Key()] = err
				mutex.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return failures
}

// Drops the cached schedule of a stop.
func (c *Coordinator) Invalidate(stop model.CanonicalStop) {
	c.Cache.Invalidate(stop.Key())
}

// Where the stop's schedule is in its fetch lifecycle.
func (c *Coordinator) State(stop model.CanonicalStop) cache.State {
	return c.Cache.State(stop.Key())
}

// Periodically removes expired schedules until ctx is done.
func (c *Coordinator) PurgeLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cache.Purge(); n > 0 {
				c.logf("purged %d expired schedules", n)
			}
		}
	}
}

// Runs f on a worker slot, bounded by the upstream timeout.
func (c *Coordinator) call(ctx context.Context, call string, agency string, f func(ctx context.Context) error) error {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for worker: %w", err)
	}
	defer c.pool.Release(1)

	if c.observer != nil {
		c.observer.SlotAcquired()
		defer c.observer.SlotReleased()
	}

	timeout := c.UpstreamTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := f(ctx)
	if err != nil && !errors.Is(err, downloader.ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", downloader.ErrTimeout, err)
	}

	if c.observer != nil {
		c.observer.UpstreamCall(call, agency, time.Since(start), err)
	}

	return err
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Routes a provider's calls through the worker pool.
type pooledProvider struct {
	c    *Coordinator
	call string
	p    upstream.NearbyProvider
}

func (p *pooledProvider) NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error) {
	var stops []model.RawStop
	err := p.c.call(ctx, p.call, agency, func(ctx context.Context) error {
		var err error
		stops, err = p.p.NearbyStops(ctx, lat, lon, radiusMiles, agency)
		return err
	})
	return stops, err
}

func agencyKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
