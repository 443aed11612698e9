package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/parse"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultMaxSize = 4 << 20
	Default511URL  = "http://api.511.org/transit"
)

// Finds stops near a point for one agency.
type NearbyProvider interface {
	NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error)
}

// A realtime feed returning raw payloads for a stop.
type Feed interface {
	Kind() model.FeedKind
	Fetch(ctx context.Context, agency string, stopCode string) ([]byte, error)
}

// Maps agency names to 511 operator codes.
func AgencyCode(agency string) string {
	switch strings.ToLower(strings.TrimSpace(agency)) {
	case "sf", "muni", "sfmta":
		return "SF"
	case "ba", "bart":
		return "BA"
	}
	return strings.ToUpper(strings.TrimSpace(agency))
}

// Fields shared by all HTTP clients.
type client struct {
	BaseURL    string
	Downloader downloader.Downloader
	Timeout    time.Duration
	MaxSize    int
}

func newClient(baseURL string, d downloader.Downloader) client {
	if d == nil {
		d = downloader.NewHTTP()
	}
	return client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Downloader: d,
		Timeout:    DefaultTimeout,
		MaxSize:    DefaultMaxSize,
	}
}

func (c *client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	body, err := c.Downloader.Get(ctx, u, map[string]string{"Accept": "application/json"}, downloader.GetOptions{
		MaxSize: c.MaxSize,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", path, err)
	}
	return body, nil
}

// HTTP JSON nearby-stop provider.
type HTTPNearby struct {
	client
}

func NewHTTPNearby(baseURL string, d downloader.Downloader) *HTTPNearby {
	return &HTTPNearby{client: newClient(baseURL, d)}
}

func (h *HTTPNearby) NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error) {
	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	query.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	query.Set("radius", strconv.FormatFloat(radiusMiles, 'f', -1, 64))
	if agency != "" {
		query.Set("agency", agency)
	}

	body, err := h.get(ctx, "/nearby-stops", query)
	if err != nil {
		return nil, err
	}

	stops, err := parse.ParseNearbyStops(agency, body)
	if err != nil {
		return nil, fmt.Errorf("parsing nearby stops: %w", err)
	}

	return stops, nil
}

// 511 style SIRI StopMonitoring feed (visits).
type VisitFeed struct {
	client
	APIKey string
}

func NewVisitFeed(baseURL string, apiKey string, d downloader.Downloader) *VisitFeed {
	if baseURL == "" {
		baseURL = Default511URL
	}
	return &VisitFeed{client: newClient(baseURL, d), APIKey: apiKey}
}

func (v *VisitFeed) Kind() model.FeedKind {
	return model.FeedVisits
}

func (v *VisitFeed) Fetch(ctx context.Context, agency string, stopCode string) ([]byte, error) {
	query := url.Values{}
	if v.APIKey != "" {
		query.Set("api_key", v.APIKey)
	}
	query.Set("agency", AgencyCode(agency))
	query.Set("stopCode", stopCode)
	query.Set("format", "json")

	return v.get(ctx, "/StopMonitoring", query)
}

// Feed of predictions already grouped by direction.
type GroupedFeed struct {
	client
}

func NewGroupedFeed(baseURL string, d downloader.Downloader) *GroupedFeed {
	return &GroupedFeed{client: newClient(baseURL, d)}
}

func (g *GroupedFeed) Kind() model.FeedKind {
	return model.FeedGrouped
}

func (g *GroupedFeed) Fetch(ctx context.Context, agency string, stopCode string) ([]byte, error) {
	query := url.Values{}
	if agency != "" {
		query.Set("agency", agency)
	}

	return g.get(ctx, "/stop-predictions/"+url.PathEscape(stopCode), query)
}
