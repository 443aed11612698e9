package model

import (
	"strings"
	"time"
)

// Holds all external facing types and constants.

// Which upstream realtime shape an agency is served by.
type FeedKind string

const (
	// SIRI style vehicle visit announcements, one per vehicle.
	FeedVisits FeedKind = "visits"
	// Arrivals already grouped by direction, one entry per
	// route/destination with a single upcoming time.
	FeedGrouped FeedKind = "grouped"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// A stop record as returned by a nearby-stop provider. Several raw
// stops may describe the same physical station.
type RawStop struct {
	Agency   string
	StopID   string
	StopCode string
	StopName string
	Lat      float64
	Lon      float64

	// Distance from the search point in miles, if known.
	Distance float64
}

// The deduplicated representation of one physical stop.
type CanonicalStop struct {
	CanonicalID string  `json:"canonical_id"`
	DisplayName string  `json:"display_name"`
	Agency      string  `json:"agency"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`

	// Code to pass to realtime feeds. For hub stations this is
	// the station code rather than a per-entrance code.
	LookupCode string `json:"lookup_code"`

	Distance float64 `json:"distance_miles"`

	// Number of raw stops merged into this one. Always >= 1.
	Sources int `json:"sources"`
}

// Identifies the stop across agencies. Canonical IDs are only unique
// within an agency.
func (s CanonicalStop) Key() string {
	return strings.ToLower(s.Agency) + ":" + s.CanonicalID
}

// One realtime vehicle arrival announcement (visit feed shape).
type Visit struct {
	LineRef         string
	RouteLabel      string
	Destination     string
	DirectionRef    string
	ExpectedArrival time.Time
	AimedArrival    time.Time

	HasVehicle bool
	VehicleLat float64
	VehicleLon float64
}

// Arrival time used for ETA computation: expected, else aimed.
func (v Visit) ArrivalTime() time.Time {
	if !v.ExpectedArrival.IsZero() {
		return v.ExpectedArrival
	}
	return v.AimedArrival
}

// One entry of the pre-grouped feed shape.
type GroupedEntry struct {
	RouteNumber  string
	Destination  string
	Direction    Direction
	MinutesUntil *int
	ArrivalTime  string
}

// A single upcoming arrival. ETAMinutes is nil when unknown.
type Arrival struct {
	ETAMinutes *int       `json:"eta_minutes"`
	ETATime    *time.Time `json:"eta_time,omitempty"`
	IsRealtime bool       `json:"is_realtime"`
}

// Upcoming arrivals for one (route, destination, direction).
type RouteGroup struct {
	RouteLabel  string    `json:"route_label"`
	Destination string    `json:"destination"`
	Direction   Direction `json:"direction"`
	Arrivals    []Arrival `json:"arrivals"`
	VehicleHint string    `json:"vehicle_hint,omitempty"`
}

// Smallest known ETA among the group's arrivals, and whether one
// exists.
func (g RouteGroup) MinETA() (int, bool) {
	found := false
	min := 0
	for _, a := range g.Arrivals {
		if a.ETAMinutes == nil {
			continue
		}
		if !found || *a.ETAMinutes < min {
			min = *a.ETAMinutes
			found = true
		}
	}
	return min, found
}

type Schedule struct {
	Inbound   []RouteGroup `json:"inbound"`
	Outbound  []RouteGroup `json:"outbound"`
	FetchedAt time.Time    `json:"fetched_at"`
}

func EmptySchedule() *Schedule {
	return &Schedule{
		Inbound:  []RouteGroup{},
		Outbound: []RouteGroup{},
	}
}

func (s *Schedule) IsEmpty() bool {
	return len(s.Inbound) == 0 && len(s.Outbound) == 0
}

func IntPtr(i int) *int {
	return &i
}
