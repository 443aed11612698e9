package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"tidbyt.dev/arrivals/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStopIndex struct {
	SQLiteConfig

	db *sql.DB
}

func NewSQLiteStopIndex(cfg ...SQLiteConfig) (*SQLiteStopIndex, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = filepath.Join(directory, "stops.db")
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if !onDisk {
		// Every connection to :memory: gets its own database.
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS stops (
    agency TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_code TEXT NOT NULL,
    stop_name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
PRIMARY KEY (agency, stop_id, stop_code)
);

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

	return &SQLiteStopIndex{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		db: db,
	}, nil
}

func (s *SQLiteStopIndex) WriteStops(agency string, stops []model.RawStop) error {
	agency = normalizeAgency(agency)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM stops WHERE agency = ?`, agency)
	if err != nil {
		return fmt.Errorf("deleting stops: %w", err)
	}

	stmt, err := tx.Prepare(`
INSERT INTO stops (agency, stop_id, stop_code, stop_name, lat, lon)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (agency, stop_id, stop_code) DO UPDATE SET
    stop_name = excluded.stop_name,
    lat = excluded.lat,
    lon = excluded.lon
`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, stop := range stops {
		_, err = stmt.Exec(
			agency,
			stop.StopID,
			stop.StopCode,
			stop.StopName,
			stop.Lat,
			stop.Lon,
		)
		if err != nil {
			return fmt.Errorf("inserting stop %q: %w", stop.StopID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (s *SQLiteStopIndex) NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error) {
	box := boundsFor(lat, lon, radiusMiles)

	query := `
SELECT agency, stop_id, stop_code, stop_name, lat, lon
FROM stops`

	conditions := []string{"lat BETWEEN ? AND ?", "lon BETWEEN ? AND ?"}
	params := []interface{}{box.MinLat, box.MaxLat, box.MinLon, box.MaxLon}
	if agency != "" {
		conditions = append(conditions, "agency = ?")
		params = append(params, normalizeAgency(agency))
	}
	query += " WHERE " + strings.Join(conditions, " AND ")

	rows, err := s.db.QueryContext(ctx, query, params...)
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

func (s *SQLiteStopIndex) WriteTimetable(agency string, tt *model.Timetable) error {
	return writeTimetable(s.db, agency, tt, bindQuestion, prepareInsert)
}

func (s *SQLiteStopIndex) TimetableInfo(ctx context.Context, agency string) (TimetableInfo, bool, error) {
	return queryTimetableInfo(ctx, s.db, bindQuestion, agency)
}

func (s *SQLiteStopIndex) ActiveServices(ctx context.Context, agency string, date string) ([]string, error) {
	return queryActiveServices(ctx, s.db, bindQuestion, agency, date)
}

func (s *SQLiteStopIndex) StopTimeEvents(ctx context.Context, agency string, filter StopTimeEventFilter) ([]model.StopTimeEvent, error) {
	return queryStopTimeEvents(ctx, s.db, bindQuestion, agency, filter)
}

func (s *SQLiteStopIndex) Agencies() ([]string, error) {
	return queryAgencies(s.db)
}

func (s *SQLiteStopIndex) Close() error {
	return s.db.Close()
}

func queryAgencies(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT agency FROM stops ORDER BY agency`)
	if err != nil {
		return nil, fmt.Errorf("querying agencies: %w", err)
	}
	defer rows.Close()

	agencies := []string{}
	for rows.Next() {
		var agency string
		if err := rows.Scan(&agency); err != nil {
			return nil, fmt.Errorf("scanning agency: %w", err)
		}
		agencies = append(agencies, agency)
	}

	return agencies, rows.Err()
}
