package parse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"tidbyt.dev/arrivals/model"
)

type nearbyStopJSON struct {
	StopID        flexString `json:"stop_id"`
	StopCode      flexString `json:"stop_code"`
	StopName      flexString `json:"stop_name"`
	StopLat       flexFloat  `json:"stop_lat"`
	StopLon       flexFloat  `json:"stop_lon"`
	Agency        flexString `json:"agency"`
	Distance      flexFloat  `json:"distance"`
	DistanceMiles flexFloat  `json:"distance_miles"`
}

// Parses a nearby-stop provider response. Accepts a bare array of
// stops or an object holding one under "stops". Stops without an
// agency are attributed to defaultAgency.
func ParseNearbyStops(defaultAgency string, data []byte) ([]model.RawStop, error) {
	data = bytes.TrimSpace(bom.Clean(data))

	items := []nearbyStopJSON{}
	if len(data) > 0 && data[0] == '{' {
		wrapped := struct {
			Stops json.RawMessage `json:"stops"`
		}{}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, errors.Wrap(ErrMalformedResponse, err.Error())
		}
		if wrapped.Stops == nil {
			return nil, errors.Wrap(ErrMalformedResponse, "no stops")
		}
		if err := json.Unmarshal(wrapped.Stops, &items); err != nil {
			return nil, errors.Wrap(ErrMalformedResponse, err.Error())
		}
	} else if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	stops := []model.RawStop{}
	for _, it := range items {
		agency := strings.TrimSpace(string(it.Agency))
		if agency == "" {
			agency = defaultAgency
		}
		distance := it.Distance.Value
		if !it.Distance.Valid {
			distance = it.DistanceMiles.Value
		}
		stops = append(stops, model.RawStop{
			Agency:   agency,
			StopID:   strings.TrimSpace(string(it.StopID)),
			StopCode: strings.TrimSpace(string(it.StopCode)),
			StopName: strings.TrimSpace(string(it.StopName)),
			Lat:      it.StopLat.Value,
			Lon:      it.StopLon.Value,
			Distance: distance,
		})
	}

	return stops, nil
}
