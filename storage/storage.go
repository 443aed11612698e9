package storage

import (
	"context"

	"tidbyt.dev/arrivals/model"
)

// Index of stops by agency and position. Backs the local nearby-stop
// provider, and the vehicle proximity lookups when no remote provider
// is configured.
type StopIndex interface {
	// Replaces all stops for the agency.
	WriteStops(agency string, stops []model.RawStop) error

	// Retrieves stops for the agency within radiusMiles of lat,
	// lon, ordered by distance. Distance is set on every returned
	// stop, in miles. If agency is blank, all agencies are
	// searched.
	NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error)

	// Agencies with at least one stop, sorted.
	Agencies() ([]string, error)

	Close() error
}
