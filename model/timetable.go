package model

import (
	"strconv"
	"time"
)

// Static GTFS schedule of one agency. Backs the scheduled fallback
// when a realtime feed has nothing to say about a stop.
type Timetable struct {
	// IANA zone of agency.txt. Stop times are relative to noon
	// minus 12h in this zone.
	Timezone string

	Routes        []Route
	Trips         []Trip
	Calendars     []Calendar
	CalendarDates []CalendarDate
	StopTimes     []StopTime

	// Latest arrival_time in the feed, as "HHMMSS". Exceeds
	// 240000 for feeds with trips running past midnight.
	MaxArrival string
}

type Route struct {
	ID        string
	ShortName string
	LongName  string
}

// Short name if set, else long name.
func (r Route) Label() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	return r.LongName
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	DirectionID int8
}

type Calendar struct {
	ServiceID string
	StartDate string
	EndDate   string

	// Bit (1 << time.Weekday) set for each day of service.
	Weekday int8
}

type ExceptionType int8

const (
	ServiceAdded   ExceptionType = 1
	ServiceRemoved ExceptionType = 2
)

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType ExceptionType
}

type StopTime struct {
	TripID       string
	StopID       string
	Headsign     string
	StopSequence uint32
	Arrival      string
	Departure    string
}

func (st StopTime) ArrivalTime() time.Duration {
	return Offset(st.Arrival)
}

func (st StopTime) DepartureTime() time.Duration {
	return Offset(st.Departure)
}

// Offset from noon minus 12h of a "HHMMSS" time. Zero if malformed.
func Offset(s string) time.Duration {
	if len(s) != 6 {
		return 0
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[2:4])
	sec, _ := strconv.Atoi(s[4:6])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}

// A stop_time with its trip and route.
type StopTimeEvent struct {
	StopTime StopTime
	Trip     Trip
	Route    Route
}

// A timetabled (not realtime) arrival at a stop.
type ScheduledArrival struct {
	RouteLabel  string
	Destination string
	Direction   Direction
	Time        time.Time
}
