// Package timetable computes scheduled arrivals from static GTFS
// timetables. Used when a realtime feed has nothing for a stop.
package timetable

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"tidbyt.dev/arrivals/canonical"
	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/storage"
)

const (
	DefaultWindow          = 2 * time.Hour
	DefaultLimit           = 3
	DefaultStopRadiusMiles = 0.25
)

type Timetable struct {
	Store storage.TimetableStore

	// Optional. Used to find the GTFS stops (platforms, entrances)
	// making up a canonical stop.
	Stops storage.StopIndex

	// Multi-entrance stations collapse to one stop per station
	// code.
	Hub bool

	// Used if the agency's timezone can't be loaded.
	Location *time.Location

	// Arrivals in [now, now+Window) are returned, at most Limit
	// per direction.
	Window time.Duration
	Limit  int

	StopRadiusMiles float64
}

func New(store storage.TimetableStore, stops storage.StopIndex, hub bool, location *time.Location) *Timetable {
	if location == nil {
		location = time.UTC
	}
	return &Timetable{
		Store:           store,
		Stops:           stops,
		Hub:             hub,
		Location:        location,
		Window:          DefaultWindow,
		Limit:           DefaultLimit,
		StopRadiusMiles: DefaultStopRadiusMiles,
	}
}

// Translates a time offset into a GTFS style HHMMSS string.
func gtfsDate(offset time.Duration) string {
	h := int(offset.Hours())
	m := int(offset.Minutes()) - h*60
	s := int(offset.Seconds()) - h*3600 - m*60
	return fmt.Sprintf("%02d%02d%02d", h, m, s)
}

// A time range on one service date, as inclusive GTFS "HHMMSS"
// bounds. Blank means unbounded.
type span struct {
	Date  string
	Start string
	End   string
}

// Computes list of all time ranges that must be inspected for a GTFS
// stop time lookup. maxTrip is the latest stop time in the feed,
// which may reach into the following day(s).
func rangePerDate(start time.Time, window time.Duration, maxTrip time.Duration) []span {
	end := start.Add(window)

	spans := []span{}

	date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())

	// The day after the window can in theory pull a departure
	// back into the window on DST change (00:01 on a day where
	// DST begins is 23:01 the day before). Not handled.

	for today := date.AddDate(0, 0, -1); today.Before(end); today = today.AddDate(0, 0, 1) {
		noon := time.Date(today.Year(), today.Month(), today.Day(), 12, 0, 0, 0, today.Location())
		tomorrow := today.AddDate(0, 0, 1)

		span := span{Date: today.Format("20060102")}

		if start.Before(today) {
			// window starts before this day
		} else if start.Before(tomorrow) {
			// window starts on this day
			span.Start = gtfsDate(start.Sub(noon) + 12*time.Hour)
		} else {
			// window starts after this day
			x := start.Sub(noon) + 12*time.Hour
			if x <= maxTrip {
				// potentially during today's overflow trips
				span.Start = gtfsDate(x)
			} else {
				continue
			}
		}

		if end.Before(tomorrow) {
			span.End = gtfsDate(end.Sub(noon) + 12*time.Hour)
		} else {
			// possibly during today's overflow trips
			x := end.Sub(noon) + 12*time.Hour
			if x <= maxTrip {
				span.End = gtfsDate(x)
			}
		}

		spans = append(spans, span)
	}

	return spans
}

// Scheduled arrivals at a stop in [now, now+Window), sorted by time,
// at most Limit per direction. Times are in now's location.
//
// Returns an empty list if the agency has no timetable.
func (t *Timetable) Arrivals(ctx context.Context, agency string, stop model.CanonicalStop, now time.Time) ([]model.ScheduledArrival, error) {
	arrivals := []model.ScheduledArrival{}

	info, found, err := t.Store.TimetableInfo(ctx, agency)
	if err != nil {
		return nil, fmt.Errorf("getting timetable: %w", err)
	}
	if !found {
		return arrivals, nil
	}

	location, err := time.LoadLocation(info.Timezone)
	if err != nil {
		log.Printf("timetable %s: loading timezone %q: %v", agency, info.Timezone, err)
		location = t.Location
		if location == nil {
			location = time.UTC
		}
	}

	stopIDs, err := t.stopIDs(ctx, agency, stop)
	if err != nil {
		return nil, err
	}

	window := t.Window
	if window <= 0 {
		window = DefaultWindow
	}

	// All computations are done in the GTFS timezone, but
	// arrival times are returned in the timezone used by caller.
	origTz := now.Location()
	startTime := now.In(location)
	endTime := startTime.Add(window)

	seen := map[string]bool{}

	for _, span := range rangePerDate(startTime, window, model.Offset(info.MaxArrival)) {
		serviceIDs, err := t.Store.ActiveServices(ctx, agency, span.Date)
		if err != nil {
			return nil, fmt.Errorf("getting active services: %w", err)
		}
		if len(serviceIDs) == 0 {
			continue
		}

		events, err := t.Store.StopTimeEvents(ctx, agency, storage.StopTimeEventFilter{
			StopIDs:      stopIDs,
			ServiceIDs:   serviceIDs,
			ArrivalStart: span.Start,
			ArrivalEnd:   span.End,
		})
		if err != nil {
			return nil, fmt.Errorf("getting stop times: %w", err)
		}

		date, _ := time.ParseInLocation("20060102", span.Date, location)
		dateNoon := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, location)

		for _, event := range events {
			arrivalTime := dateNoon.Add(-12 * time.Hour).Add(event.StopTime.ArrivalTime())
			if arrivalTime.Before(startTime) || !arrivalTime.Before(endTime) {
				continue
			}

			key := span.Date + "/" + event.Trip.ID
			if seen[key] {
				continue
			}
			seen[key] = true

			arrivals = append(arrivals, model.ScheduledArrival{
				RouteLabel:  event.Route.Label(),
				Destination: destination(event),
				Direction:   direction(event.Trip),
				Time:        arrivalTime.In(origTz),
			})
		}
	}

	sort.SliceStable(arrivals, func(i, j int) bool {
		return arrivals[i].Time.Before(arrivals[j].Time)
	})

	limit := t.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	perDirection := map[model.Direction]int{}
	limited := []model.ScheduledArrival{}
	for _, a := range arrivals {
		if perDirection[a.Direction] >= limit {
			continue
		}
		perDirection[a.Direction]++
		limited = append(limited, a)
	}

	return limited, nil
}

// GTFS stop IDs that may appear in stop_times for the canonical
// stop.
func (t *Timetable) stopIDs(ctx context.Context, agency string, stop model.CanonicalStop) ([]string, error) {
	ids := []string{stop.CanonicalID}
	if stop.LookupCode != "" && stop.LookupCode != stop.CanonicalID {
		ids = append(ids, stop.LookupCode)
	}

	if t.Stops == nil || (stop.Lat == 0 && stop.Lon == 0) {
		return ids, nil
	}

	radius := t.StopRadiusMiles
	if radius <= 0 {
		radius = DefaultStopRadiusMiles
	}

	nearby, err := t.Stops.NearbyStops(ctx, stop.Lat, stop.Lon, radius, agency)
	if err != nil {
		return nil, fmt.Errorf("finding stops: %w", err)
	}

	for _, rs := range nearby {
		switch {
		case rs.StopID == stop.CanonicalID:
		case rs.StopCode != "" && rs.StopCode == stop.LookupCode:
		case t.Hub && canonical.HubStationCode(rs) == stop.CanonicalID:
		default:
			continue
		}
		ids = append(ids, rs.StopID)
	}

	return ids, nil
}

func direction(trip model.Trip) model.Direction {
	if trip.DirectionID == 1 {
		return model.Inbound
	}
	return model.Outbound
}

// Stop headsign, then trip headsign, then the route's long name.
func destination(event model.StopTimeEvent) string {
	if event.StopTime.Headsign != "" {
		return event.StopTime.Headsign
	}
	if event.Trip.Headsign != "" {
		return event.Trip.Headsign
	}
	return event.Route.LongName
}
