package proximity

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bluele/gcache"

	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/storage"
)

const (
	DefaultRadiusMiles = 0.1
	DefaultTimeout     = 2 * time.Second
	DefaultTTL         = 30 * time.Second
	DefaultCacheSize   = 4096
)

// Reverse nearby-stop lookup.
type Finder interface {
	NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error)
}

// Maps vehicle positions to the name of the nearest stop.
//
// Results are cached per coordinate bucket (4 decimals, roughly 10
// meters) so that vehicles that haven't moved between two passes
// don't trigger new lookups.
type Resolver struct {
	Finder      Finder
	Agency      string
	RadiusMiles float64
	Timeout     time.Duration
	Logger      *log.Logger

	cache gcache.Cache
}

func NewResolver(finder Finder, ttl time.Duration) *Resolver {
	return newResolver(finder, ttl, gcache.NewRealClock())
}

func newResolver(finder Finder, ttl time.Duration, clock gcache.Clock) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		Finder:      finder,
		RadiusMiles: DefaultRadiusMiles,
		Timeout:     DefaultTimeout,
		cache: gcache.New(DefaultCacheSize).
			LRU().
			Expiration(ttl).
			Clock(clock).
			Build(),
	}
}

// Returns the display name of the stop nearest to lat, lon, or "" if
// there is none or the lookup fails.
func (r *Resolver) NearestStopName(ctx context.Context, lat, lon float64) string {
	key := bucket(lat, lon)
	if v, err := r.cache.Get(key); err == nil {
		return v.(string)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	radius := r.RadiusMiles
	if radius <= 0 {
		radius = DefaultRadiusMiles
	}

	stops, err := r.Finder.NearbyStops(ctx, lat, lon, radius, r.Agency)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Printf("vehicle proximity lookup at %s: %v", key, err)
		}
		return ""
	}

	name := ""
	best := math.Inf(1)
	for _, s := range stops {
		if s.StopName == "" {
			continue
		}
		d := storage.HaversineDistance(lat, lon, s.Lat, s.Lon)
		if d < best {
			best = d
			name = s.StopName
		}
	}

	// Misses aren't cached, the vehicle may be about to reach a
	// stop.
	if name != "" {
		r.cache.Set(key, name)
	}

	return name
}

func bucket(lat, lon float64) string {
	return fmt.Sprintf("%.4f,%.4f", lat, lon)
}
