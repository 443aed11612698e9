package canonical

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"tidbyt.dev/arrivals/model"
)

var ErrMissingIdentifier = errors.New("stop has neither stop_id nor stop_code")

var primaryEntrance = regexp.MustCompile(`(?i)\bstreet\b`)

// Outcome of canonicalizing the raw stops of one search.
type Result struct {
	// Ordered by distance, then key.
	Stops []model.CanonicalStop

	// Canonical stops by Key().
	ByKey map[string]model.CanonicalStop

	// Raw stops that were dropped. All wrap ErrMissingIdentifier.
	Warnings []error
}

// Deduplicates and merges raw stop records into canonical stops.
//
// Stops of agencies in hubAgencies are treated as hub stations:
// entrance and platform records of the same station collapse to a
// single canonical stop identified by the station code. Other
// agencies map 1:1.
func Canonicalize(raw []model.RawStop, hubAgencies map[string]bool) Result {
	res := Result{
		Stops: []model.CanonicalStop{},
		ByKey: map[string]model.CanonicalStop{},
	}

	type agencyAndID struct {
		agency string
		id     string
	}
	seen := map[agencyAndID]bool{}

	// Track whether the current holder of a key came from a
	// primary entrance record.
	primary := map[string]bool{}
	order := []string{}

	for _, rs := range raw {
		id := rs.StopID
		if id == "" {
			id = rs.StopCode
		}
		if id == "" {
			res.Warnings = append(res.Warnings, fmt.Errorf(
				"%w (agency %q, name %q)", ErrMissingIdentifier, rs.Agency, rs.StopName,
			))
			continue
		}

		// Exact repeats
		k := agencyAndID{rs.Agency, id}
		if seen[k] {
			continue
		}
		seen[k] = true

		var cs model.CanonicalStop
		if hubAgencies[strings.ToLower(rs.Agency)] {
			code := HubStationCode(rs)
			cs = model.CanonicalStop{
				CanonicalID: code,
				LookupCode:  code,
			}
		} else {
			lookup := rs.StopCode
			if lookup == "" {
				lookup = rs.StopID
			}
			cs = model.CanonicalStop{
				CanonicalID: id,
				LookupCode:  lookup,
			}
		}
		cs.DisplayName = rs.StopName
		cs.Agency = rs.Agency
		cs.Lat = rs.Lat
		cs.Lon = rs.Lon
		cs.Distance = rs.Distance
		cs.Sources = 1

		key := cs.Key()
		isPrimary := primaryEntrance.MatchString(rs.StopName)

		existing, found := res.ByKey[key]
		if !found {
			res.ByKey[key] = cs
			primary[key] = isPrimary
			order = append(order, key)
			continue
		}

		// Conflict. A primary entrance replaces a plain
		// record, otherwise first seen wins.
		merged := existing
		if isPrimary && !primary[key] {
			merged = cs
			primary[key] = true
		}
		merged.Sources = existing.Sources + 1
		merged.Distance = math.Min(existing.Distance, rs.Distance)
		res.ByKey[key] = merged
	}

	for _, key := range order {
		res.Stops = append(res.Stops, res.ByKey[key])
	}
	sort.SliceStable(res.Stops, func(i, j int) bool {
		if res.Stops[i].Distance != res.Stops[j].Distance {
			return res.Stops[i].Distance < res.Stops[j].Distance
		}
		return res.Stops[i].Key() < res.Stops[j].Key()
	})

	return res
}

// Derives the station code of a hub station record.
//
// The stop code (or stop ID) is cut at the first underscore, any
// place_ or place- prefix is removed, and the rest uppercased. If
// that isn't a known station code, the stop name is matched against
// known station names. Failing both, the derived token is used as is.
func HubStationCode(rs model.RawStop) string {
	raw := rs.StopCode
	if raw == "" {
		raw = rs.StopID
	}

	token := strings.TrimSpace(raw)
	lower := strings.ToLower(token)
	if strings.HasPrefix(lower, "place_") || strings.HasPrefix(lower, "place-") {
		token = token[len("place_"):]
	}
	if i := strings.Index(token, "_"); i >= 0 {
		token = token[:i]
	}
	token = strings.ToUpper(token)

	if mainStationCodes[token] {
		return token
	}

	name := strings.ToLower(rs.StopName)
	for _, f := range stationNameFragments {
		if strings.Contains(name, f.fragment) {
			return f.code
		}
	}

	return token
}
