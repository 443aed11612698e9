package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"tidbyt.dev/arrivals/model"
)

// Contents of a static GTFS archive.
type Static struct {
	Stops []model.RawStop

	// Nil unless the archive holds a complete timetable
	// (agency, routes, trips, stop_times and at least one of
	// calendar and calendar_dates).
	Timetable *model.Timetable
}

// Parses a static GTFS archive, attributing stops to agency. Only
// stops.txt is required.
func ParseStatic(agency string, buf []byte) (*Static, error) {
	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	files := map[string]*zip.File{}
	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		name := path[len(path)-1]
		if _, found := files[name]; !found {
			files[name] = f
		}
	}

	if files["stops.txt"] == nil {
		return nil, fmt.Errorf("missing stops.txt")
	}

	var stopCsv []*StopCSV
	err = parseFile(files["stops.txt"], func(data io.Reader) error {
		var err error
		stopCsv, err = readStops(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	static := &Static{Stops: rawStops(agency, stopCsv)}

	for _, required := range []string{"agency.txt", "routes.txt", "trips.txt", "stop_times.txt"} {
		if files[required] == nil {
			return static, nil
		}
	}
	if files["calendar.txt"] == nil && files["calendar_dates.txt"] == nil {
		return static, nil
	}

	stopIDs := map[string]bool{}
	for _, st := range stopCsv {
		stopIDs[st.ID] = true
	}

	static.Timetable, err = parseTimetable(files, stopIDs)
	if err != nil {
		return nil, err
	}

	return static, nil
}

// Order matters: each file is validated against those before it.
func parseTimetable(files map[string]*zip.File, stopIDs map[string]bool) (*model.Timetable, error) {
	tt := &model.Timetable{}

	err := parseFile(files["agency.txt"], func(data io.Reader) error {
		var err error
		tt.Timezone, err = ParseAgency(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	services := map[string]bool{}
	if files["calendar.txt"] != nil {
		err = parseFile(files["calendar.txt"], func(data io.Reader) error {
			calendars, known, err := ParseCalendar(data)
			tt.Calendars = calendars
			for id := range known {
				services[id] = true
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if files["calendar_dates.txt"] != nil {
		err = parseFile(files["calendar_dates.txt"], func(data io.Reader) error {
			dates, known, err := ParseCalendarDates(data)
			tt.CalendarDates = dates
			for id := range known {
				services[id] = true
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	var routes map[string]bool
	err = parseFile(files["routes.txt"], func(data io.Reader) error {
		var err error
		tt.Routes, routes, err = ParseRoutes(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	var trips map[string]bool
	err = parseFile(files["trips.txt"], func(data io.Reader) error {
		var err error
		tt.Trips, trips, err = ParseTrips(data, routes, services)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = parseFile(files["stop_times.txt"], func(data io.Reader) error {
		var err error
		tt.StopTimes, tt.MaxArrival, err = ParseStopTimes(data, trips, stopIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	return tt, nil
}

func parseFile(f *zip.File, parse func(data io.Reader) error) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	if err := parse(rc); err != nil {
		return fmt.Errorf("parsing %s: %w", f.Name, err)
	}

	return nil
}
