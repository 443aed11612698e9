package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/arrivals/model"
)

type TripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	Headsign    string `csv:"trip_headsign"`
	DirectionID int8   `csv:"direction_id"`
}

func ParseTrips(
	data io.Reader,
	routes map[string]bool,
	services map[string]bool,
) ([]model.Trip, map[string]bool, error) {
	tripCsv := []*TripCSV{}
	if err := gocsv.Unmarshal(data, &tripCsv); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling trips csv: %w", err)
	}

	trips := []model.Trip{}
	known := map[string]bool{}
	for _, t := range tripCsv {
		if t.ID == "" {
			return nil, nil, fmt.Errorf("empty trip_id")
		}
		if known[t.ID] {
			return nil, nil, fmt.Errorf("repeated trip_id '%s'", t.ID)
		}
		known[t.ID] = true

		if t.RouteID == "" {
			return nil, nil, fmt.Errorf("empty route_id")
		}
		if !routes[t.RouteID] {
			return nil, nil, fmt.Errorf("unknown route_id '%s'", t.RouteID)
		}
		if !services[t.ServiceID] {
			return nil, nil, fmt.Errorf("unknown service_id '%s'", t.ServiceID)
		}

		if t.DirectionID != 0 && t.DirectionID != 1 {
			return nil, nil, fmt.Errorf("invalid direction_id '%d'", t.DirectionID)
		}

		trips = append(trips, model.Trip{
			ID:          t.ID,
			RouteID:     t.RouteID,
			ServiceID:   t.ServiceID,
			Headsign:    t.Headsign,
			DirectionID: t.DirectionID,
		})
	}

	return trips, known, nil
}
