package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tidbyt.dev/arrivals/model"
)

type memoryTimetable struct {
	info            TimetableInfo
	routes          map[string]model.Route
	trips           map[string]model.Trip
	calendars       []model.Calendar
	calendarDates   []model.CalendarDate
	stopTimesByStop map[string][]model.StopTime
}

func (m *MemoryStopIndex) WriteTimetable(agency string, tt *model.Timetable) error {
	agency = normalizeAgency(agency)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if tt == nil {
		delete(m.timetables, agency)
		return nil
	}

	mt := &memoryTimetable{
		info:            TimetableInfo{Timezone: tt.Timezone, MaxArrival: tt.MaxArrival},
		routes:          map[string]model.Route{},
		trips:           map[string]model.Trip{},
		calendars:       append([]model.Calendar{}, tt.Calendars...),
		calendarDates:   append([]model.CalendarDate{}, tt.CalendarDates...),
		stopTimesByStop: map[string][]model.StopTime{},
	}
	for _, r := range tt.Routes {
		mt.routes[r.ID] = r
	}
	for _, t := range tt.Trips {
		mt.trips[t.ID] = t
	}
	for _, st := range tt.StopTimes {
		mt.stopTimesByStop[st.StopID] = append(mt.stopTimesByStop[st.StopID], st)
	}

	m.timetables[agency] = mt
	return nil
}

func (m *MemoryStopIndex) timetable(agency string) *memoryTimetable {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.timetables[normalizeAgency(agency)]
}

func (m *MemoryStopIndex) TimetableInfo(ctx context.Context, agency string) (TimetableInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return TimetableInfo{}, false, err
	}
	mt := m.timetable(agency)
	if mt == nil {
		return TimetableInfo{}, false, nil
	}
	return mt.info, true, nil
}

func (m *MemoryStopIndex) ActiveServices(ctx context.Context, agency string, date string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	mt := m.timetable(agency)
	if mt == nil {
		return []string{}, nil
	}

	services := map[string]bool{}

	for _, calendar := range mt.calendars {
		if calendar.Weekday&(1<<parsedDate.Weekday()) == 0 {
			continue
		}
		if calendar.StartDate > date {
			continue
		}
		if calendar.EndDate < date {
			continue
		}
		services[calendar.ServiceID] = true
	}

	for _, cd := range mt.calendarDates {
		if cd.Date != date {
			continue
		}
		switch cd.ExceptionType {
		case model.ServiceAdded:
			services[cd.ServiceID] = true
		case model.ServiceRemoved:
			services[cd.ServiceID] = false
		}
	}

	activeServices := []string{}
	for serviceID, active := range services {
		if active {
			activeServices = append(activeServices, serviceID)
		}
	}
	sort.Strings(activeServices)

	return activeServices, nil
}

func (m *MemoryStopIndex) StopTimeEvents(ctx context.Context, agency string, filter StopTimeEventFilter) ([]model.StopTimeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events := []model.StopTimeEvent{}

	mt := m.timetable(agency)
	if mt == nil {
		return events, nil
	}

	serviceIDs := map[string]bool{}
	for _, sid := range filter.ServiceIDs {
		serviceIDs[sid] = true
	}

	for _, stopID := range dedupe(filter.StopIDs) {
		for _, st := range mt.stopTimesByStop[stopID] {
			if filter.ArrivalStart != "" && st.Arrival < filter.ArrivalStart {
				continue
			}
			if filter.ArrivalEnd != "" && st.Arrival > filter.ArrivalEnd {
				continue
			}

			trip := mt.trips[st.TripID]
			if len(serviceIDs) > 0 && !serviceIDs[trip.ServiceID] {
				continue
			}

			events = append(events, model.StopTimeEvent{
				StopTime: st,
				Trip:     trip,
				Route:    mt.routes[trip.RouteID],
			})
		}
	}

	sortEvents(events)

	return events, nil
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	res := []string{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		res = append(res, id)
	}
	return res
}

func sortEvents(events []model.StopTimeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].StopTime.Arrival != events[j].StopTime.Arrival {
			return events[i].StopTime.Arrival < events[j].StopTime.Arrival
		}
		return events[i].StopTime.TripID < events[j].StopTime.TripID
	})
}
