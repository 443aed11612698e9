package parse

import (
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"tidbyt.dev/arrivals/model"
)

// GTFS location_type values of interest. Generic nodes (3) and
// boarding areas (4) are not something a rider walks up to, so they
// never show up as nearby stops.
const (
	locationTypeStop     = 0
	locationTypeStation  = 1
	locationTypeEntrance = 2
)

type StopCSV struct {
	ID            string  `csv:"stop_id"`
	Code          string  `csv:"stop_code"`
	Name          string  `csv:"stop_name"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
}

// Parses a GTFS stops.txt into raw stops of the given agency.
//
// Rows lacking coordinates, or lacking both stop_id and stop_code,
// are skipped. So are generic nodes and boarding areas.
func ParseStops(agency string, data io.Reader) ([]model.RawStop, error) {
	stopCsv, err := readStops(data)
	if err != nil {
		return nil, err
	}
	return rawStops(agency, stopCsv), nil
}

func readStops(data io.Reader) ([]*StopCSV, error) {
	stopCsv := []*StopCSV{}

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	reader := gocsv.LazyCSVReader(bom.NewReader(data))
	if err := gocsv.UnmarshalCSV(reader, &stopCsv); err != nil {
		return nil, errors.Wrap(err, "unmarshaling stops csv")
	}

	return stopCsv, nil
}

func rawStops(agency string, stopCsv []*StopCSV) []model.RawStop {
	stops := []model.RawStop{}
	for _, st := range stopCsv {
		switch st.LocationType {
		case locationTypeStop, locationTypeStation, locationTypeEntrance:
		default:
			continue
		}
		if st.ID == "" && st.Code == "" {
			continue
		}
		if st.Lat == 0 || st.Lon == 0 {
			continue
		}

		stops = append(stops, model.RawStop{
			Agency:   agency,
			StopID:   st.ID,
			StopCode: st.Code,
			StopName: st.Name,
			Lat:      st.Lat,
			Lon:      st.Lon,
		})
	}

	return stops
}
