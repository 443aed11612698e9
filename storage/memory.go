package storage

import (
	"context"
	"sort"
	"sync"

	"tidbyt.dev/arrivals/model"
)

// In memory implementation of StopIndex and TimetableStore

type MemoryStopIndex struct {
	mutex      sync.RWMutex
	stops      map[string][]model.RawStop
	timetables map[string]*memoryTimetable
}

func NewMemoryStopIndex() *MemoryStopIndex {
	return &MemoryStopIndex{
		stops:      map[string][]model.RawStop{},
		timetables: map[string]*memoryTimetable{},
	}
}

func (m *MemoryStopIndex) WriteStops(agency string, stops []model.RawStop) error {
	agency = normalizeAgency(agency)

	copied := make([]model.RawStop, 0, len(stops))
	for _, s := range stops {
		s.Agency = agency
		s.Distance = 0
		copied = append(copied, s)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(copied) == 0 {
		delete(m.stops, agency)
		return nil
	}
	m.stops[agency] = copied
	return nil
}

func (m *MemoryStopIndex) NearbyStops(ctx context.Context, lat, lon, radiusMiles float64, agency string) ([]model.RawStop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	candidates := []model.RawStop{}
	if agency == "" {
		for _, stops := range m.stops {
			candidates = append(candidates, stops...)
		}
	} else {
		candidates = append(candidates, m.stops[normalizeAgency(agency)]...)
	}

	return withinRadius(lat, lon, radiusMiles, candidates), nil
}

func (m *MemoryStopIndex) Agencies() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	agencies := make([]string, 0, len(m.stops))
	for agency := range m.stops {
		agencies = append(agencies, agency)
	}
	sort.Strings(agencies)
	return agencies, nil
}

func (m *MemoryStopIndex) Close() error {
	return nil
}
