package parse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"tidbyt.dev/arrivals/model"
)

type groupedEntryJSON struct {
	RouteNumber  flexString `json:"route_number"`
	Route        flexString `json:"route"`
	Destination  flexString `json:"destination"`
	MinutesUntil flexFloat  `json:"minutes_until"`
	ArrivalTime  flexString `json:"arrival_time"`
}

// Parses a pre-grouped prediction response of the form
// {"inbound": [...], "outbound": [...]}.
//
// At least one of the two keys must be present, otherwise
// ErrMalformedResponse is returned.
func ParseGrouped(data []byte) ([]model.GroupedEntry, error) {
	data = bytes.TrimSpace(bom.Clean(data))
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Wrap(ErrMalformedResponse, "expected JSON object")
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	_, hasIn := raw["inbound"]
	_, hasOut := raw["outbound"]
	if !hasIn && !hasOut {
		return nil, errors.Wrap(ErrMalformedResponse, "no inbound or outbound")
	}

	entries := []model.GroupedEntry{}
	for _, dir := range []model.Direction{model.Inbound, model.Outbound} {
		list, found := raw[string(dir)]
		if !found {
			continue
		}

		items := []groupedEntryJSON{}
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, errors.Wrapf(ErrMalformedResponse, "decoding %s: %s", dir, err)
		}

		for _, it := range items {
			route := strings.TrimSpace(string(it.RouteNumber))
			if route == "" {
				route = strings.TrimSpace(string(it.Route))
			}
			entries = append(entries, model.GroupedEntry{
				RouteNumber:  route,
				Destination:  strings.TrimSpace(string(it.Destination)),
				Direction:    dir,
				MinutesUntil: it.MinutesUntil.IntPtr(),
				ArrivalTime:  strings.TrimSpace(string(it.ArrivalTime)),
			})
		}
	}

	return entries, nil
}
