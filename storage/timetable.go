package storage

import (
	"context"
	"fmt"
	"time"

	"tidbyt.dev/arrivals/model"
)

// Static timetables by agency. Implemented by all StopIndex
// backends.
type TimetableStore interface {
	// Replaces the agency's timetable. A nil timetable removes
	// it.
	WriteTimetable(agency string, tt *model.Timetable) error

	// Timezone and latest arrival of the agency's timetable.
	// found is false if the agency has none.
	TimetableInfo(ctx context.Context, agency string) (info TimetableInfo, found bool, err error)

	// Services IDs for all services active on the given
	// date. Date is given as YYYYMMDD.
	ActiveServices(ctx context.Context, agency string, date string) ([]string, error)

	// Stop times matching the filter along with their trip and
	// route, ordered by arrival time.
	StopTimeEvents(ctx context.Context, agency string, filter StopTimeEventFilter) ([]model.StopTimeEvent, error)
}

type TimetableInfo struct {
	Timezone   string
	MaxArrival string
}

// Filter for StopTimeEvents()
type StopTimeEventFilter struct {
	// Limit results to stop_times at these stops. Required.
	StopIDs []string

	// Limit results to a set of services.
	ServiceIDs []string

	// Limit results to stop_times with arrival within a certain
	// range (inclusive.) Times given as "HHMMSS".
	ArrivalStart string
	ArrivalEnd   string
}

var weekdayColumns = map[time.Weekday]string{
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
	time.Sunday:    "sunday",
}

// Column of the calendar table for the weekday of a YYYYMMDD date.
func weekdayColumn(date string) (string, error) {
	parsed, err := time.Parse("20060102", date)
	if err != nil {
		return "", fmt.Errorf("invalid date: %s", date)
	}
	return weekdayColumns[parsed.Weekday()], nil
}

func calendarWeekdays(weekday int8) []int {
	days := make([]int, 7)
	for i, d := range []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	} {
		if weekday&(1<<d) != 0 {
			days[i] = 1
		}
	}
	return days
}
