package arrivals_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/cache"
	"tidbyt.dev/arrivals/canonical"
	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/normalize"
	"tidbyt.dev/arrivals/storage"
	"tidbyt.dev/arrivals/timetable"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockNearby struct {
	mutex sync.Mutex
	calls int
	stops []model.RawStop
	err   error
	delay time.Duration
}

func (m *mockNearby) NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error) {
	m.mutex.Lock()
	m.calls++
	m.mutex.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.stops, m.err
}

type mockFeed struct {
	kind    model.FeedKind
	calls   atomic.Int32
	mutex   sync.Mutex
	codes   []string
	payload string
	err     error

	// If set, Fetch blocks until closed.
	release chan struct{}
}

func (m *mockFeed) Kind() model.FeedKind { return m.kind }

func (m *mockFeed) Fetch(ctx context.Context, agency string, stopCode string) ([]byte, error) {
	m.calls.Add(1)
	m.mutex.Lock()
	m.codes = append(m.codes, stopCode)
	m.mutex.Unlock()

	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return []byte(m.payload), nil
}

const dublinPleasanton = `{"outbound": [
  {"route_number": "Dublin/Pleasanton", "destination": "Dublin/Pleasanton", "minutes_until": 4},
  {"route_number": "Dublin/Pleasanton", "destination": "Dublin/Pleasanton", "minutes_until": 19}
]}`

var (
	embarcaderoStops = []model.RawStop{
		{Agency: "bart", StopID: "place_EMBR_1", StopName: "Embarcadero", Lat: 37.7929, Lon: -122.3971, Distance: 0.02},
		{Agency: "bart", StopID: "place_EMBR_2", StopName: "Embarcadero Main Street Entrance", Lat: 37.7930, Lon: -122.3969, Distance: 0.03},
		{Agency: "bart", StopID: "place_EMBR", StopName: "Embarcadero", Lat: 37.7931, Lon: -122.3968, Distance: 0.01},
	}
	muniStops = []model.RawStop{
		{StopID: "15731", StopCode: "15731", StopName: "Market St & Drumm St", Lat: 37.7933, Lon: -122.3966, Distance: 0.025},
	}
	embr = model.CanonicalStop{CanonicalID: "EMBR", LookupCode: "EMBR", Agency: "bart", DisplayName: "Embarcadero"}
)

func newCoordinator(t *testing.T, agencies ...arrivals.Agency) *arrivals.Coordinator {
	c, err := arrivals.NewCoordinator(agencies, arrivals.Options{})
	require.NoError(t, err)
	c.Logger = log.New(io.Discard, "", 0)
	c.Normalizer.TimeNow = func() time.Time { return now }
	c.Normalizer.Location = time.UTC
	return c
}

func TestNewCoordinatorRejectsBadAgencies(t *testing.T) {
	_, err := arrivals.NewCoordinator([]arrivals.Agency{{Name: "muni"}, {Name: "MUNI"}}, arrivals.Options{})
	assert.Error(t, err)

	_, err = arrivals.NewCoordinator([]arrivals.Agency{{Name: " "}}, arrivals.Options{})
	assert.Error(t, err)
}

func TestFindNearbyStops(t *testing.T) {
	bart := &mockNearby{stops: embarcaderoStops}
	muni := &mockNearby{stops: muniStops}

	c := newCoordinator(t,
		arrivals.Agency{Name: "bart", Hub: true, Nearby: bart},
		arrivals.Agency{Name: "muni", Nearby: muni},
	)

	res, err := c.FindNearbyStops(context.Background(), 37.7929, -122.3971, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	// Three EMBR records collapse into one, the Main Street entrance
	// naming it.
	require.Len(t, res.Stops, 2)
	assert.Equal(t, "EMBR", res.Stops[0].CanonicalID)
	assert.Equal(t, "Embarcadero Main Street Entrance", res.Stops[0].DisplayName)
	assert.Equal(t, 3, res.Stops[0].Sources)
	assert.Equal(t, 0.01, res.Stops[0].Distance)

	// Agency filled in for stops that came without one
	assert.Equal(t, "15731", res.Stops[1].CanonicalID)
	assert.Equal(t, "muni", res.Stops[1].Agency)

	assert.Equal(t, 1, bart.calls)
	assert.Equal(t, 1, muni.calls)
}

func TestFindNearbyStopsPartialFailure(t *testing.T) {
	bart := &mockNearby{err: &downloader.HTTPError{URL: "x", StatusCode: 503}}
	muni := &mockNearby{stops: muniStops}

	c := newCoordinator(t,
		arrivals.Agency{Name: "bart", Hub: true, Nearby: bart},
		arrivals.Agency{Name: "muni", Nearby: muni},
	)

	res, err := c.FindNearbyStops(context.Background(), 37.7929, -122.3971, 0.15)
	require.NoError(t, err)
	require.Len(t, res.Stops, 1)
	assert.Equal(t, "15731", res.Stops[0].CanonicalID)

	require.Len(t, res.Warnings, 1)
	var agencyErr *arrivals.AgencyError
	require.True(t, errors.As(res.Warnings[0], &agencyErr))
	assert.Equal(t, "bart", agencyErr.Agency)
	var httpErr *downloader.HTTPError
	assert.True(t, errors.As(res.Warnings[0], &httpErr))
}

func TestFindNearbyStopsAllFailed(t *testing.T) {
	c := newCoordinator(t,
		arrivals.Agency{Name: "bart", Nearby: &mockNearby{err: errors.New("boom")}},
		arrivals.Agency{Name: "muni", Nearby: &mockNearby{err: errors.New("bang")}},
	)

	res, err := c.FindNearbyStops(context.Background(), 37.7929, -122.3971, 0.15)
	assert.ErrorIs(t, err, arrivals.ErrAllAgenciesFailed)
	require.NotNil(t, res)
	assert.Empty(t, res.Stops)
	assert.Len(t, res.Warnings, 2)
}

func TestFindNearbyStopsTimeout(t *testing.T) {
	slow := &mockNearby{stops: muniStops, delay: time.Second}
	fast := &mockNearby{stops: embarcaderoStops}

	c := newCoordinator(t,
		arrivals.Agency{Name: "muni", Nearby: slow},
		arrivals.Agency{Name: "bart", Hub: true, Nearby: fast},
	)
	c.UpstreamTimeout = 20 * time.Millisecond

	start := time.Now()
	res, err := c.FindNearbyStops(context.Background(), 37.7929, -122.3971, 0.15)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, res.Stops, 1)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], downloader.ErrTimeout)
}

func TestFindNearbyStopsMissingIdentifiers(t *testing.T) {
	c := newCoordinator(t, arrivals.Agency{Name: "muni", Nearby: &mockNearby{stops: []model.RawStop{
		{StopName: "Nameless"},
		muniStops[0],
	}}})

	res, err := c.FindNearbyStops(context.Background(), 37.7929, -122.3971, 0.15)
	require.NoError(t, err)
	require.Len(t, res.Stops, 1)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], canonical.ErrMissingIdentifier)
}

func TestGetScheduleGroupedScenario(t *testing.T) {
	feed := &mockFeed{kind: model.FeedGrouped, payload: dublinPleasanton}
	c := newCoordinator(t, arrivals.Agency{Name: "bart", Hub: true, Feed: feed})

	assert.Equal(t, cache.Unrequested, c.State(embr))

	s, err := c.GetSchedule(context.Background(), embr, false)
	require.NoError(t, err)
	assert.Empty(t, s.Inbound)
	require.Len(t, s.Outbound, 1)
	assert.Equal(t, "Dublin/Pleasanton", s.Outbound[0].RouteLabel)
	require.Len(t, s.Outbound[0].Arrivals, 2)
	assert.Equal(t, 4, *s.Outbound[0].Arrivals[0].ETAMinutes)
	assert.Equal(t, 19, *s.Outbound[0].Arrivals[1].ETAMinutes)
	assert.Equal(t, now, s.FetchedAt)

	assert.Equal(t, []string{"EMBR"}, feed.codes)
	assert.Equal(t, cache.Ready, c.State(embr))

	// Cached
	again, err := c.GetSchedule(context.Background(), embr, false)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, int32(1), feed.calls.Load())

	// Forced refresh goes upstream
	_, err = c.GetSchedule(context.Background(), embr, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), feed.calls.Load())

	// As does a lookup after invalidation
	c.Invalidate(embr)
	assert.Equal(t, cache.Unrequested, c.State(embr))
	_, err = c.GetSchedule(context.Background(), embr, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), feed.calls.Load())
}

type mockTimetable struct {
	calls    atomic.Int32
	arrivals []model.ScheduledArrival
	err      error
}

func (m *mockTimetable) Arrivals(ctx context.Context, agency string, stop model.CanonicalStop, now time.Time) ([]model.ScheduledArrival, error) {
	m.calls.Add(1)
	return m.arrivals, m.err
}

func TestGetScheduleScheduledFallback(t *testing.T) {
	store := storage.NewMemoryStopIndex()
	require.NoError(t, store.WriteTimetable("bart", &model.Timetable{
		Timezone: "UTC",
		Routes:   []model.Route{{ID: "y", ShortName: "Yellow", LongName: "Antioch - SFO"}},
		Trips: []model.Trip{
			{ID: "t1", RouteID: "y", ServiceID: "all", Headsign: "Antioch", DirectionID: 1},
			{ID: "t2", RouteID: "y", ServiceID: "all", Headsign: "SFO", DirectionID: 0},
			{ID: "t3", RouteID: "y", ServiceID: "all", Headsign: "SFO", DirectionID: 0},
		},
		Calendars: []model.Calendar{{ServiceID: "all", StartDate: "20240101", EndDate: "20241231", Weekday: 127}},
		StopTimes: []model.StopTime{
			{TripID: "t1", StopID: "EMBR", StopSequence: 3, Arrival: "121000", Departure: "121000"},
			{TripID: "t2", StopID: "EMBR", StopSequence: 3, Arrival: "123000", Departure: "123000"},
			{TripID: "t3", StopID: "EMBR", StopSequence: 3, Arrival: "150000", Departure: "150000"},
		},
		MaxArrival: "150000",
	}))

	feed := &mockFeed{kind: model.FeedGrouped, payload: `{"inbound": [], "outbound": []}`}
	c := newCoordinator(t, arrivals.Agency{
		Name:      "bart",
		Hub:       true,
		Feed:      feed,
		Timetable: timetable.New(store, nil, true, time.UTC),
	})

	s, err := c.GetSchedule(context.Background(), embr, false)
	require.NoError(t, err)
	assert.Equal(t, now, s.FetchedAt)

	require.Len(t, s.Inbound, 1)
	assert.Equal(t, "Yellow", s.Inbound[0].RouteLabel)
	assert.Equal(t, "Antioch", s.Inbound[0].Destination)
	require.Len(t, s.Inbound[0].Arrivals, 1)
	assert.Equal(t, 10, *s.Inbound[0].Arrivals[0].ETAMinutes)
	assert.Equal(t, now.Add(10*time.Minute), *s.Inbound[0].Arrivals[0].ETATime)
	assert.False(t, s.Inbound[0].Arrivals[0].IsRealtime)

	// t3 is past the two hour window
	require.Len(t, s.Outbound, 1)
	assert.Equal(t, "SFO", s.Outbound[0].Destination)
	require.Len(t, s.Outbound[0].Arrivals, 1)
	assert.Equal(t, 30, *s.Outbound[0].Arrivals[0].ETAMinutes)
	assert.False(t, s.Outbound[0].Arrivals[0].IsRealtime)

	assert.Equal(t, int32(1), feed.calls.Load())
}

func TestGetScheduleScheduledFallbackOnlyWhenEmpty(t *testing.T) {
	tt := &mockTimetable{arrivals: []model.ScheduledArrival{
		{RouteLabel: "Yellow", Destination: "Antioch", Direction: model.Inbound, Time: now.Add(5 * time.Minute)},
	}}
	feed := &mockFeed{kind: model.FeedGrouped, payload: dublinPleasanton}
	c := newCoordinator(t, arrivals.Agency{Name: "bart", Hub: true, Feed: feed, Timetable: tt})

	s, err := c.GetSchedule(context.Background(), embr, false)
	require.NoError(t, err)
	assert.Empty(t, s.Inbound)
	require.Len(t, s.Outbound, 1)
	assert.True(t, s.Outbound[0].Arrivals[0].IsRealtime)
	assert.Equal(t, int32(0), tt.calls.Load())

	// Nor when the realtime feed fails
	feed = &mockFeed{kind: model.FeedGrouped, err: errors.New("boom")}
	c = newCoordinator(t, arrivals.Agency{Name: "bart", Hub: true, Feed: feed, Timetable: tt})
	_, err = c.GetSchedule(context.Background(), embr, false)
	assert.Error(t, err)
	assert.Equal(t, int32(0), tt.calls.Load())
}

func TestGetScheduleScheduledFallbackFailure(t *testing.T) {
	tt := &mockTimetable{err: errors.New("timetable unavailable")}
	feed := &mockFeed{kind: model.FeedGrouped, payload: `{"outbound": []}`}
	c := newCoordinator(t, arrivals.Agency{Name: "bart", Hub: true, Feed: feed, Timetable: tt})

	// Realtime answer stands
	s, err := c.GetSchedule(context.Background(), embr, false)
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, now, s.FetchedAt)
	assert.Equal(t, int32(1), tt.calls.Load())
	assert.Equal(t, cache.Ready, c.State(embr))
}

func TestGetScheduleSingleFlight(t *testing.T) {
	feed := &mockFeed{kind: model.FeedGrouped, payload: dublinPleasanton, release: make(chan struct{})}
	c := newCoordinator(t, arrivals.Agency{Name: "bart", Hub: true, Feed: feed})

	results := make([]*model.Schedule, 2)
	errs := make([]error, 2)
	wg := sync.WaitGroup{}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetSchedule(context.Background(), embr, false)
		}(i)
	}

	assert.Eventually(t, func() bool {
		return c.State(embr) == cache.Fetching
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(feed.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, int32(1), feed.calls.Load())
}

func TestGetScheduleFailureRetried(t *testing.T) {
	feed := &mockFeed{kind: model.FeedGrouped, err: &downloader.HTTPError{URL: "x", StatusCode: 500}}
	c := newCoordinator(t, arrivals.Agency{Name: "bart", Hub: true, Feed: feed})

	s, err := c.GetSchedule(context.Background(), embr, false)
	var httpErr *downloader.HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.NotNil(t, s)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, cache.Failed, c.State(embr))

	// Not cached: next call goes upstream again, and succeeds.
	feed.err = nil
	feed.payload = dublinPleasanton
	s, err = c.GetSchedule(context.Background(), embr, false)
	require.NoError(t, err)
	assert.False(t, s.IsEmpty())
	assert.Equal(t, int32(2), feed.calls.Load())
	assert.Equal(t, cache.Ready, c.State(embr))
}

func TestGetScheduleMalformed(t *testing.T) {
	feed := &mockFeed{kind: model.FeedGrouped, payload: `["what"]`}
	c := newCoordinator(t, arrivals.Agency{Name: "bart", Feed: feed})

	s, err := c.GetSchedule(context.Background(), embr, false)
	assert.ErrorIs(t, err, normalize.ErrMalformedResponse)
	assert.True(t, s.IsEmpty())
}

func TestGetScheduleTimeout(t *testing.T) {
	feed := &mockFeed{kind: model.FeedGrouped, payload: dublinPleasanton, release: make(chan struct{})}
	defer close(feed.release)

	c := newCoordinator(t, arrivals.Agency{Name: "bart", Feed: feed})
	c.UpstreamTimeout = 20 * time.Millisecond

	s, err := c.GetSchedule(context.Background(), embr, false)
	assert.ErrorIs(t, err, downloader.ErrTimeout)
	assert.True(t, s.IsEmpty())
}

func TestGetScheduleUnknownAgency(t *testing.T) {
	c := newCoordinator(t, arrivals.Agency{Name: "muni", Nearby: &mockNearby{}})

	_, err := c.GetSchedule(context.Background(), embr, false)
	assert.ErrorIs(t, err, arrivals.ErrUnknownAgency)

	// Known, but without a feed
	_, err = c.GetSchedule(context.Background(), model.CanonicalStop{Agency: "muni", CanonicalID: "15731"}, false)
	assert.ErrorIs(t, err, arrivals.ErrUnknownAgency)
}

func TestGetScheduleVehicleHints(t *testing.T) {
	feed := &mockFeed{kind: model.FeedVisits, payload: `{"ServiceDelivery": {"StopMonitoringDelivery": [{"MonitoredStopVisit": [
  {"MonitoredVehicleJourney": {
    "LineRef": "14", "DirectionRef": "IB", "DestinationName": "Downtown",
    "VehicleLocation": {"Latitude": "37.7650", "Longitude": "-122.4196"},
    "MonitoredCall": {"ExpectedArrivalTime": "2024-03-01T12:05:00Z"}}},
  {"MonitoredVehicleJourney": {
    "LineRef": "14", "DirectionRef": "OB", "DestinationName": "Daly City",
    "MonitoredCall": {"AimedArrivalTime": "2024-03-01T12:09:00Z"}}}
]}]}}`}
	vehicles := &mockNearby{stops: []model.RawStop{
		{StopName: "Mission St & 16th St", Lat: 37.7650, Lon: -122.4196},
	}}

	c := newCoordinator(t, arrivals.Agency{Name: "muni", Feed: feed, Vehicles: vehicles})
	require.NotNil(t, c.Resolver("MUNI"))

	stop := model.CanonicalStop{Agency: "muni", CanonicalID: "15731", LookupCode: "15731"}
	s, err := c.GetSchedule(context.Background(), stop, false)
	require.NoError(t, err)

	require.Len(t, s.Inbound, 1)
	assert.Equal(t, "14", s.Inbound[0].RouteLabel)
	assert.Equal(t, "Mission St & 16th St", s.Inbound[0].VehicleHint)
	assert.Equal(t, 5, *s.Inbound[0].Arrivals[0].ETAMinutes)

	require.Len(t, s.Outbound, 1)
	assert.Equal(t, "", s.Outbound[0].VehicleHint)
	assert.Equal(t, 9, *s.Outbound[0].Arrivals[0].ETAMinutes)

	assert.Equal(t, 1, vehicles.calls)
}

func TestPrewarm(t *testing.T) {
	bartFeed := &mockFeed{kind: model.FeedGrouped, payload: dublinPleasanton}
	muniFeed := &mockFeed{kind: model.FeedVisits, err: errors.New("boom")}

	c := newCoordinator(t,
		arrivals.Agency{Name: "bart", Hub: true, Feed: bartFeed},
		arrivals.Agency{Name: "muni", Feed: muniFeed},
	)

	mont := model.CanonicalStop{Agency: "bart", CanonicalID: "MONT", LookupCode: "MONT"}
	muni := model.CanonicalStop{Agency: "muni", CanonicalID: "15731", LookupCode: "15731"}

	failures := c.Prewarm(context.Background(), []model.CanonicalStop{embr, mont, muni, embr})

	require.Len(t, failures, 1)
	assert.Error(t, failures["muni:15731"])

	assert.Equal(t, cache.Ready, c.State(embr))
	assert.Equal(t, cache.Ready, c.State(mont))
	assert.Equal(t, cache.Failed, c.State(muni))

	// EMBR was requested twice but fetched once
	assert.Equal(t, int32(2), bartFeed.calls.Load())
	assert.ElementsMatch(t, []string{"EMBR", "MONT"}, bartFeed.codes)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	feed := &countingFeed{inFlight: &inFlight, peak: &peak}

	c, err := arrivals.NewCoordinator([]arrivals.Agency{{Name: "muni", Feed: feed}}, arrivals.Options{PoolSize: 2})
	require.NoError(t, err)
	c.Logger = log.New(io.Discard, "", 0)

	stops := []model.CanonicalStop{}
	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		stops = append(stops, model.CanonicalStop{Agency: "muni", CanonicalID: id})
	}

	failures := c.Prewarm(context.Background(), stops)
	assert.Empty(t, failures)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), inFlight.Load())
}

type countingFeed struct {
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (f *countingFeed) Kind() model.FeedKind { return model.FeedGrouped }

func (f *countingFeed) Fetch(ctx context.Context, agency string, stopCode string) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return []byte(`{"inbound": []}`), nil
}
