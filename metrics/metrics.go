package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidbyt.dev/arrivals/downloader"
)

// Prometheus metrics for schedule caching and upstream traffic,
// registered on a private registry.
type Collector struct {
	reg *prometheus.Registry

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheShared prometheus.Counter

	UpstreamRequests *prometheus.CounterVec // call, agency, outcome
	UpstreamDuration *prometheus.HistogramVec

	AgencyFailures *prometheus.CounterVec // agency
	InFlight       prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivals_schedule_cache_hits_total",
			Help: "Schedule lookups served from cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivals_schedule_cache_misses_total",
			Help: "Schedule lookups that missed the cache.",
		}),
		CacheShared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivals_schedule_cache_coalesced_total",
			Help: "Schedule lookups that shared an in-flight fetch.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivals_upstream_requests_total",
			Help: "Upstream calls by call type, agency and outcome.",
		}, []string{"call", "agency", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arrivals_upstream_duration_seconds",
			Help:    "Duration of upstream calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"call"}),
		AgencyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivals_agency_failures_total",
			Help: "Per-agency failures during nearby-stop fan-out.",
		}, []string{"agency"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivals_upstream_in_flight",
			Help: "Upstream calls currently holding a worker slot.",
		}),
	}

	reg.MustRegister(
		c.CacheHits, c.CacheMisses, c.CacheShared,
		c.UpstreamRequests, c.UpstreamDuration,
		c.AgencyFailures, c.InFlight,
	)

	return c
}

func (c *Collector) CacheHit()       { c.CacheHits.Inc() }
func (c *Collector) CacheMiss()      { c.CacheMisses.Inc() }
func (c *Collector) CacheCoalesced() { c.CacheShared.Inc() }

func (c *Collector) UpstreamCall(call string, agency string, took time.Duration, err error) {
	c.UpstreamRequests.WithLabelValues(call, agency, outcome(err)).Inc()
	c.UpstreamDuration.WithLabelValues(call).Observe(took.Seconds())
}

func (c *Collector) AgencyFailed(agency string) {
	c.AgencyFailures.WithLabelValues(agency).Inc()
}

func (c *Collector) SlotAcquired() { c.InFlight.Inc() }
func (c *Collector) SlotReleased() { c.InFlight.Dec() }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	var httpErr *downloader.HTTPError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, downloader.ErrTimeout):
		return "timeout"
	case errors.As(err, &httpErr):
		return "http_error"
	}
	return "error"
}
