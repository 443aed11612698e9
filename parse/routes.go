package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/arrivals/model"
)

type RouteCSV struct {
	ID        string `csv:"route_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
}

func ParseRoutes(data io.Reader) ([]model.Route, map[string]bool, error) {
	routeCsv := []*RouteCSV{}
	if err := gocsv.Unmarshal(data, &routeCsv); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling routes: %w", err)
	}

	routes := []model.Route{}
	known := map[string]bool{}

	for _, r := range routeCsv {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("route has no route_id")
		}
		if known[r.ID] {
			return nil, nil, fmt.Errorf("repeated route_id: '%s'", r.ID)
		}
		known[r.ID] = true

		// ShortName or LongName is required
		if r.ShortName == "" && r.LongName == "" {
			return nil, nil, fmt.Errorf("route_id '%s' has no short_name or long_name", r.ID)
		}

		routes = append(routes, model.Route{
			ID:        r.ID,
			ShortName: r.ShortName,
			LongName:  r.LongName,
		})
	}

	return routes, known, nil
}
