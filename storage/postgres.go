package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"tidbyt.dev/arrivals/model"
)

type PSQLStopIndex struct {
	db *sql.DB
}

// Creates a new Postgres StopIndex using the provided connection
// string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStopIndex(connStr string, clearDB bool) (*PSQLStopIndex, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`DROP TABLE IF EXISTS stops, ` + strings.Join(timetableTables, ", ") + `;`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS stops (
    agency TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_code TEXT NOT NULL,
    stop_name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS stops_agency ON stops (agency);
CREATE INDEX IF NOT EXISTS stops_lat_lon ON stops (lat, lon);
`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating stops table: %w", err)
	}

	_, err = db.Exec(timetableSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating timetable tables: %w", err)
	}

	return &PSQLStopIndex{db: db}, nil
}

// Replaces the agency's stops in a single transaction, loading the
// new set with COPY.
func (p *PSQLStopIndex) WriteStops(agency string, stops []model.RawStop) error {
	agency = normalizeAgency(agency)

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM stops WHERE agency = $1`, agency)
	if err != nil {
		return fmt.Errorf("deleting stops: %w", err)
	}

	stmt, err := tx.Prepare(pq.CopyIn(
		"stops", "agency", "stop_id", "stop_code", "stop_name", "lat", "lon",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, stop := range stops {
		_, err = stmt.Exec(
			agency, stop.StopID, stop.StopCode, stop.StopName, stop.Lat, stop.Lon,
		)
		if err != nil {
			return fmt.Errorf("COPY stop: %w", err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (p *PSQLStopIndex) NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error) {
	box := boundsFor(lat, lon, radiusMiles)

	query := `
SELECT agency, stop_id, stop_code, stop_name, lat, lon
FROM stops
WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`
	params := []interface{}{box.MinLat, box.MaxLat, box.MinLon, box.MaxLon}
	if agency != "" {
		query += " AND agency = $5"
		params = append(params, normalizeAgency(agency))
	}

	rows, err := p.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	candidates := []model.RawStop{}
	for rows.Next() {
		var stop model.RawStop
		err := rows.Scan(
			&stop.Agency,
			&stop.StopID,
			&stop.StopCode,
			&stop.StopName,
			&stop.Lat,
			&stop.Lon,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		candidates = append(candidates, stop)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading stops: %w", err)
	}

	return withinRadius(lat, lon, radiusMiles, candidates), nil
}

// Bulk loads a table with COPY.
func prepareCopy(tx *sql.Tx, table string, columns ...string) (func(...interface{}) error, func() error, error) {
	stmt, err := tx.Prepare(pq.CopyIn(table, columns...))
	if err != nil {
		return nil, nil, err
	}

	insert := func(vals ...interface{}) error {
		_, err := stmt.Exec(vals...)
		return err
	}
	finish := func() error {
		defer stmt.Close()
		_, err := stmt.Exec()
		return err
	}
	return insert, finish, nil
}

func (p *PSQLStopIndex) WriteTimetable(agency string, tt *model.Timetable) error {
	return writeTimetable(p.db, agency, tt, bindDollar, prepareCopy)
}

func (p *PSQLStopIndex) TimetableInfo(ctx context.Context, agency string) (TimetableInfo, bool, error) {
	return queryTimetableInfo(ctx, p.db, bindDollar, agency)
}

func (p *PSQLStopIndex) ActiveServices(ctx context.Context, agency string, date string) ([]string, error) {
	return queryActiveServices(ctx, p.db, bindDollar, agency, date)
}

func (p *PSQLStopIndex) StopTimeEvents(ctx context.Context, agency string, filter StopTimeEventFilter) ([]model.StopTimeEvent, error) {
	return queryStopTimeEvents(ctx, p.db, bindDollar, agency, filter)
}

func (p *PSQLStopIndex) Agencies() ([]string, error) {
	return queryAgencies(p.db)
}

func (p *PSQLStopIndex) Close() error {
	return p.db.Close()
}
