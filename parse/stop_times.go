package parse

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/arrivals/model"
)

type StopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	Headsign      string `csv:"stop_headsign"`
}

// Normalizes "H:MM:SS" to "HHMMSS". Hours may exceed 23.
func parseStopTimeTime(s string) (string, error) {
	split := strings.Split(strings.TrimSpace(s), ":")
	if len(split) != 3 {
		return "", fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(str)
		if err != nil {
			return "", fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return "", fmt.Errorf("invalid hour in '%s'", s)
	}

	if hms[1] < 0 || hms[1] > 59 {
		return "", fmt.Errorf("invalid minute in '%s'", s)
	}

	if hms[2] < 0 || hms[2] > 59 {
		return "", fmt.Errorf("invalid second in '%s'", s)
	}

	return fmt.Sprintf("%02d%02d%02d", hms[0], hms[1], hms[2]), nil
}

// Parses stop_times.txt, ordered by trip and stop sequence. Also
// returns the latest arrival time.
//
// Rows without times are skipped. GTFS allows them for
// interpolated stops, but they're useless on an arrivals board.
func ParseStopTimes(
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) ([]model.StopTime, string, error) {

	stopTimes := []model.StopTime{}

	stopSeq := map[string]map[uint32]bool{}

	maxArrival := "000000"

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, i+1)
		}

		if stopSeq[st.TripID] == nil {
			stopSeq[st.TripID] = map[uint32]bool{}
		}
		if stopSeq[st.TripID][st.StopSequence] {
			return fmt.Errorf("duplicate stop_sequence %d for trip_id '%s'", st.StopSequence, st.TripID)
		}
		stopSeq[st.TripID][st.StopSequence] = true

		if st.ArrivalTime == "" && st.DepartureTime == "" {
			return nil
		}
		if st.ArrivalTime == "" {
			st.ArrivalTime = st.DepartureTime
		}
		if st.DepartureTime == "" {
			st.DepartureTime = st.ArrivalTime
		}

		arrivalTime, err := parseStopTimeTime(st.ArrivalTime)
		if err != nil {
			return errors.Wrapf(err, "parsing arrival_time (row %d)", i+1)
		}

		departureTime, err := parseStopTimeTime(st.DepartureTime)
		if err != nil {
			return errors.Wrapf(err, "parsing departure_time (row %d)", i+1)
		}

		if arrivalTime > maxArrival {
			maxArrival = arrivalTime
		}

		stopTimes = append(stopTimes, model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			Headsign:     st.Headsign,
			StopSequence: st.StopSequence,
			Arrival:      arrivalTime,
			Departure:    departureTime,
		})

		return nil
	})

	if err != nil {
		return nil, "", errors.Wrap(err, "unmarshaling stop_times csv")
	}

	sort.SliceStable(stopTimes, func(i, j int) bool {
		if stopTimes[i].TripID != stopTimes[j].TripID {
			return stopTimes[i].TripID < stopTimes[j].TripID
		}
		return stopTimes[i].StopSequence < stopTimes[j].StopSequence
	})

	return stopTimes, maxArrival, nil
}
