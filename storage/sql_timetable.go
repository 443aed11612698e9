package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tidbyt.dev/arrivals/model"
)

// Timetable schema shared by the SQLite and Postgres backends.
const timetableSchema = `
CREATE TABLE IF NOT EXISTS timetables (
    agency TEXT NOT NULL PRIMARY KEY,
    timezone TEXT NOT NULL,
    max_arrival TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
    agency TEXT NOT NULL,
    route_id TEXT NOT NULL,
    short_name TEXT NOT NULL,
    long_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS routes_agency_id ON routes (agency, route_id);

CREATE TABLE IF NOT EXISTS trips (
    agency TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    direction_id INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trips_agency_id ON trips (agency, trip_id);

CREATE TABLE IF NOT EXISTS calendar (
    agency TEXT NOT NULL,
    service_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calendar_agency ON calendar (agency);

CREATE TABLE IF NOT EXISTS calendar_dates (
    agency TEXT NOT NULL,
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calendar_dates_agency_date ON calendar_dates (agency, date);

CREATE TABLE IF NOT EXISTS stop_times (
    agency TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    headsign TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS stop_times_agency_stop ON stop_times (agency, stop_id, arrival_time);
`

var timetableTables = []string{
	"timetables", "routes", "trips", "calendar", "calendar_dates", "stop_times",
}

// Prepares a bulk writer for a table. Each row is passed to
// insert. finish must be called once all rows are written.
type prepareRows func(tx *sql.Tx, table string, columns ...string) (insert func(...interface{}) error, finish func() error, err error)

// Row-by-row INSERT.
func prepareInsert(tx *sql.Tx, table string, columns ...string) (func(...interface{}) error, func() error, error) {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	stmt, err := tx.Prepare(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	))
	if err != nil {
		return nil, nil, err
	}

	insert := func(vals ...interface{}) error {
		_, err := stmt.Exec(vals...)
		return err
	}
	return insert, stmt.Close, nil
}

func writeTimetable(db *sql.DB, agency string, tt *model.Timetable, bind func(string) string, prepare prepareRows) error {
	agency = normalizeAgency(agency)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range timetableTables {
		_, err = tx.Exec(bind(`DELETE FROM `+table+` WHERE agency = ?`), agency)
		if err != nil {
			return fmt.Errorf("deleting %s: %w", table, err)
		}
	}

	if tt != nil {
		err = writeTimetableRows(tx, agency, tt, bind, prepare)
		if err != nil {
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func writeTimetableRows(tx *sql.Tx, agency string, tt *model.Timetable, bind func(string) string, prepare prepareRows) error {
	_, err := tx.Exec(
		bind(`INSERT INTO timetables (agency, timezone, max_arrival) VALUES (?, ?, ?)`),
		agency, tt.Timezone, tt.MaxArrival,
	)
	if err != nil {
		return fmt.Errorf("inserting timetable: %w", err)
	}

	write := func(table string, columns []string, n int, row func(i int) []interface{}) error {
		insert, finish, err := prepare(tx, table, columns...)
		if err != nil {
			return fmt.Errorf("preparing %s: %w", table, err)
		}
		for i := 0; i < n; i++ {
			if err := insert(row(i)...); err != nil {
				finish()
				return fmt.Errorf("writing %s: %w", table, err)
			}
		}
		if err := finish(); err != nil {
			return fmt.Errorf("writing %s: %w", table, err)
		}
		return nil
	}

	err = write("routes",
		[]string{"agency", "route_id", "short_name", "long_name"},
		len(tt.Routes),
		func(i int) []interface{} {
			r := tt.Routes[i]
			return []interface{}{agency, r.ID, r.ShortName, r.LongName}
		})
	if err != nil {
		return err
	}

	err = write("trips",
		[]string{"agency", "trip_id", "route_id", "service_id", "headsign", "direction_id"},
		len(tt.Trips),
		func(i int) []interface{} {
			t := tt.Trips[i]
			return []interface{}{agency, t.ID, t.RouteID, t.ServiceID, t.Headsign, int(t.DirectionID)}
		})
	if err != nil {
		return err
	}

	err = write("calendar",
		[]string{
			"agency", "service_id", "start_date", "end_date",
			"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
		},
		len(tt.Calendars),
		func(i int) []interface{} {
			c := tt.Calendars[i]
			row := []interface{}{agency, c.ServiceID, c.StartDate, c.EndDate}
			for _, d := range calendarWeekdays(c.Weekday) {
				row = append(row, d)
			}
			return row
		})
	if err != nil {
		return err
	}

	err = write("calendar_dates",
		[]string{"agency", "service_id", "date", "exception_type"},
		len(tt.CalendarDates),
		func(i int) []interface{} {
			cd := tt.CalendarDates[i]
			return []interface{}{agency, cd.ServiceID, cd.Date, int(cd.ExceptionType)}
		})
	if err != nil {
		return err
	}

	return write("stop_times",
		[]string{"agency", "trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time", "headsign"},
		len(tt.StopTimes),
		func(i int) []interface{} {
			st := tt.StopTimes[i]
			return []interface{}{agency, st.TripID, st.StopID, int64(st.StopSequence), st.Arrival, st.Departure, st.Headsign}
		})
}

func queryTimetableInfo(ctx context.Context, db *sql.DB, bind func(string) string, agency string) (TimetableInfo, bool, error) {
	info := TimetableInfo{}
	err := db.QueryRowContext(ctx,
		bind(`SELECT timezone, max_arrival FROM timetables WHERE agency = ?`),
		normalizeAgency(agency),
	).Scan(&info.Timezone, &info.MaxArrival)
	if err == sql.ErrNoRows {
		return TimetableInfo{}, false, nil
	}
	if err != nil {
		return TimetableInfo{}, false, fmt.Errorf("querying timetable: %w", err)
	}
	return info, true, nil
}

func queryActiveServices(ctx context.Context, db *sql.DB, bind func(string) string, agency string, date string) ([]string, error) {
	weekday, err := weekdayColumn(date)
	if err != nil {
		return nil, err
	}
	agency = normalizeAgency(agency)

	rows, err := db.QueryContext(ctx, bind(`
WITH
Exceptions AS (
	SELECT service_id, exception_type
	FROM calendar_dates
	WHERE agency = ? AND date = ?
),
Regular AS (
	SELECT service_id
	FROM calendar
	WHERE agency = ? AND
	      `+weekday+` = 1 AND
	      start_date <= ? AND
	      end_date >= ?
)
SELECT service_id
FROM Regular
WHERE service_id NOT IN (
	SELECT service_id FROM Exceptions WHERE exception_type = 2
)
UNION
SELECT service_id
FROM Exceptions
WHERE exception_type = 1
ORDER BY service_id
`), agency, date, agency, date, date)
	if err != nil {
		return nil, fmt.Errorf("querying for active services: %w", err)
	}
	defer rows.Close()

	activeServices := []string{}
	for rows.Next() {
		var serviceID string
		err = rows.Scan(&serviceID)
		if err != nil {
			return nil, fmt.Errorf("scanning active services: %w", err)
		}
		activeServices = append(activeServices, serviceID)
	}

	return activeServices, rows.Err()
}

func queryStopTimeEvents(ctx context.Context, db *sql.DB, bind func(string) string, agency string, filter StopTimeEventFilter) ([]model.StopTimeEvent, error) {
	events := []model.StopTimeEvent{}

	stopIDs := dedupe(filter.StopIDs)
	if len(stopIDs) == 0 {
		return events, nil
	}

	baseQuery := `
SELECT
    stop_times.trip_id,
    stop_times.stop_id,
    stop_times.stop_sequence,
    stop_times.arrival_time,
    stop_times.departure_time,
    stop_times.headsign,
    trips.route_id,
    trips.service_id,
    trips.headsign,
    trips.direction_id,
    routes.short_name,
    routes.long_name
FROM stop_times
INNER JOIN trips ON stop_times.agency = trips.agency AND stop_times.trip_id = trips.trip_id
INNER JOIN routes ON trips.agency = routes.agency AND trips.route_id = routes.route_id
`

	fParams := []string{"stop_times.agency = ?"}
	fVals := []interface{}{normalizeAgency(agency)}

	placeholders := make([]string, len(stopIDs))
	for i, id := range stopIDs {
		placeholders[i] = "?"
		fVals = append(fVals, id)
	}
	fParams = append(fParams, "stop_times.stop_id IN ("+strings.Join(placeholders, ", ")+")")

	if len(filter.ServiceIDs) > 0 {
		placeholders := make([]string, len(filter.ServiceIDs))
		for i, id := range filter.ServiceIDs {
			placeholders[i] = "?"
			fVals = append(fVals, id)
		}
		fParams = append(fParams, "trips.service_id IN ("+strings.Join(placeholders, ", ")+")")
	}

	if filter.ArrivalStart != "" {
		fParams = append(fParams, "stop_times.arrival_time >= ?")
		fVals = append(fVals, filter.ArrivalStart)
	}

	if filter.ArrivalEnd != "" {
		fParams = append(fParams, "stop_times.arrival_time <= ?")
		fVals = append(fVals, filter.ArrivalEnd)
	}

	query := baseQuery + " WHERE " + strings.Join(fParams, " AND ")

	rows, err := db.QueryContext(ctx, bind(query), fVals...)
	if err != nil {
		return nil, fmt.Errorf("querying for stop time events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.StopTimeEvent
		var sequence int64
		var direction int
		err = rows.Scan(
			&e.StopTime.TripID,
			&e.StopTime.StopID,
			&sequence,
			&e.StopTime.Arrival,
			&e.StopTime.Departure,
			&e.StopTime.Headsign,
			&e.Trip.RouteID,
			&e.Trip.ServiceID,
			&e.Trip.Headsign,
			&direction,
			&e.Route.ShortName,
			&e.Route.LongName,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time event: %w", err)
		}
		e.StopTime.StopSequence = uint32(sequence)
		e.Trip.ID = e.StopTime.TripID
		e.Trip.DirectionID = int8(direction)
		e.Route.ID = e.Trip.RouteID
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading stop time events: %w", err)
	}

	sortEvents(events)

	return events, nil
}

// Rewrites ? placeholders as $1, $2, ...
func bindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func bindQuestion(query string) string {
	return query
}
