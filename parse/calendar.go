package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/arrivals/model"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

// Returns the calendars and the set of service IDs they define.
func ParseCalendar(data io.Reader) ([]model.Calendar, map[string]bool, error) {
	calendarCsv := []*CalendarCSV{}
	if err := gocsv.Unmarshal(data, &calendarCsv); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling csv: %w", err)
	}

	calendars := []model.Calendar{}
	knownServices := map[string]bool{}

	for _, c := range calendarCsv {
		if c.ServiceID == "" {
			return nil, nil, fmt.Errorf("empty service_id")
		}
		if knownServices[c.ServiceID] {
			return nil, nil, fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}
		knownServices[c.ServiceID] = true

		var weekday int8
		for _, d := range []struct {
			value int8
			day   time.Weekday
		}{
			{c.Monday, time.Monday},
			{c.Tuesday, time.Tuesday},
			{c.Wednesday, time.Wednesday},
			{c.Thursday, time.Thursday},
			{c.Friday, time.Friday},
			{c.Saturday, time.Saturday},
			{c.Sunday, time.Sunday},
		} {
			switch d.value {
			case 1:
				weekday |= 1 << d.day
			case 0:
			default:
				return nil, nil, fmt.Errorf("invalid %s value '%d'", d.day, d.value)
			}
		}

		_, err := time.ParseInLocation("20060102", c.StartDate, time.UTC)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing start_date: %w", err)
		}

		_, err = time.ParseInLocation("20060102", c.EndDate, time.UTC)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing end_date: %w", err)
		}

		calendars = append(calendars, model.Calendar{
			ServiceID: c.ServiceID,
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
			Weekday:   weekday,
		})
	}

	return calendars, knownServices, nil
}
