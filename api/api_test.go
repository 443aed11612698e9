package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/api"
	"tidbyt.dev/arrivals/metrics"
	"tidbyt.dev/arrivals/model"
)

type fakeNearby struct {
	stops []model.RawStop
	err   error
}

func (f *fakeNearby) NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error) {
	return f.stops, f.err
}

type fakeFeed struct {
	calls   atomic.Int32
	payload string
	err     error
}

func (f *fakeFeed) Kind() model.FeedKind { return model.FeedGrouped }

func (f *fakeFeed) Fetch(ctx context.Context, agency string, stopCode string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.payload), nil
}

func newServer(t *testing.T, agencies ...arrivals.Agency) (*httptest.Server, *metrics.Collector) {
	c, err := arrivals.NewCoordinator(agencies, arrivals.Options{})
	require.NoError(t, err)
	c.Logger = log.New(io.Discard, "", 0)

	m := metrics.NewCollector()
	c.Instrument(m)

	server := httptest.NewServer(api.NewServer(c, m.Handler()).Router())
	t.Cleanup(server.Close)
	return server, m
}

func get(t *testing.T, url string, v interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestNearbyStops(t *testing.T) {
	server, _ := newServer(t,
		arrivals.Agency{Name: "bart", Hub: true, Nearby: &fakeNearby{stops: []model.RawStop{
			{Agency: "bart", StopID: "place_EMBR_1", StopName: "Embarcadero", Distance: 0.02},
			{Agency: "bart", StopID: "place_EMBR_2", StopName: "Embarcadero Main Street Entrance", Distance: 0.03},
		}}},
		arrivals.Agency{Name: "muni", Nearby: &fakeNearby{err: errors.New("muni is down")}},
	)

	resp := api.Response[*api.NearbyStops]{}
	status := get(t, server.URL+"/nearby-stops?lat=37.7929&lon=-122.3971&radius=0.2", &resp)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Data.Stops, 1)
	assert.Equal(t, "EMBR", resp.Data.Stops[0].CanonicalID)
	assert.Equal(t, "Embarcadero Main Street Entrance", resp.Data.Stops[0].DisplayName)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "muni is down")
	assert.Equal(t, "", resp.Error)
}

func TestNearbyStopsAllFailed(t *testing.T) {
	server, _ := newServer(t,
		arrivals.Agency{Name: "muni", Nearby: &fakeNearby{err: errors.New("muni is down")}},
	)

	resp := api.Response[*api.NearbyStops]{}
	status := get(t, server.URL+"/nearby-stops?lat=37.7929&lon=-122.3971", &resp)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, resp.Error, "all agencies failed")
	assert.Equal(t, []model.CanonicalStop{}, resp.Data.Stops)
}

func TestNearbyStopsBadRequest(t *testing.T) {
	server, _ := newServer(t)

	for _, query := range []string{
		"",
		"lat=37.7&lon=east",
		"lat=91&lon=0",
		"lat=37.7&lon=-122.4&radius=-1",
	} {
		resp := api.Response[*api.NearbyStops]{}
		status := get(t, server.URL+"/nearby-stops?"+query, &resp)
		assert.Equal(t, http.StatusBadRequest, status, query)
		assert.NotEmpty(t, resp.Error, query)
	}
}

func TestSchedule(t *testing.T) {
	feed := &fakeFeed{payload: `{"outbound": [
  {"route_number": "Dublin/Pleasanton", "minutes_until": 4},
  {"route_number": "Dublin/Pleasanton", "minutes_until": 19}
]}`}
	server, _ := newServer(t, arrivals.Agency{Name: "bart", Hub: true, Feed: feed})

	state := api.Response[api.StopState]{}
	get(t, server.URL+"/stops/bart/EMBR/state", &state)
	assert.Equal(t, api.StopState{Key: "bart:EMBR", State: "unrequested"}, state.Data)

	resp := api.Response[*model.Schedule]{}
	status := get(t, server.URL+"/stops/bart/EMBR/schedule", &resp)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Data.Outbound, 1)
	assert.Equal(t, "Dublin/Pleasanton", resp.Data.Outbound[0].RouteLabel)
	require.Len(t, resp.Data.Outbound[0].Arrivals, 2)
	assert.Equal(t, 4, *resp.Data.Outbound[0].Arrivals[0].ETAMinutes)
	assert.Equal(t, 19, *resp.Data.Outbound[0].Arrivals[1].ETAMinutes)

	get(t, server.URL+"/stops/bart/EMBR/state", &state)
	assert.Equal(t, "ready", state.Data.State)

	// Cached, then refreshed
	get(t, server.URL+"/stops/bart/EMBR/schedule", nil)
	assert.Equal(t, int32(1), feed.calls.Load())
	get(t, server.URL+"/stops/bart/EMBR/schedule?refresh=true", nil)
	assert.Equal(t, int32(2), feed.calls.Load())

	// Invalidated
	req, err := http.NewRequest("DELETE", server.URL+"/stops/bart/EMBR/schedule", nil)
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNoContent, r.StatusCode)

	get(t, server.URL+"/stops/bart/EMBR/state", &state)
	assert.Equal(t, "unrequested", state.Data.State)
}

func TestScheduleErrors(t *testing.T) {
	feed := &fakeFeed{err: errors.New("upstream exploded")}
	server, _ := newServer(t, arrivals.Agency{Name: "bart", Feed: feed})

	resp := api.Response[*model.Schedule]{}
	status := get(t, server.URL+"/stops/bart/EMBR/schedule", &resp)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, resp.Error, "upstream exploded")
	require.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data.Inbound)
	assert.Empty(t, resp.Data.Outbound)

	status = get(t, server.URL+"/stops/caltrain/SF/schedule", &resp)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsEndpoint(t *testing.T) {
	feed := &fakeFeed{payload: `{"inbound": []}`}
	server, _ := newServer(t, arrivals.Agency{Name: "bart", Feed: feed})

	get(t, server.URL+"/stops/bart/EMBR/schedule", nil)
	get(t, server.URL+"/stops/bart/EMBR/schedule", nil)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "arrivals_schedule_cache_hits_total 1")
	assert.Contains(t, string(body), "arrivals_schedule_cache_misses_total 1")
	assert.Contains(t, string(body), `arrivals_upstream_requests_total{agency="bart",call="grouped",outcome="ok"} 1`)
}

func TestHealth(t *testing.T) {
	server, _ := newServer(t)

	client := http.Client{Timeout: time.Second}
	resp, err := client.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
