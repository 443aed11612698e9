package storage

import (
	"math"
	"sort"
	"strings"

	"tidbyt.dev/arrivals/model"
)

const (
	earthRadiusKm = 6371
	KmPerMile     = 1.60934
)

func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	aLatRad := aLat * math.Pi / 180
	aLonRad := aLon * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLonRad := bLon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	a := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return c * earthRadiusKm
}

// Great circle distance in miles.
func DistanceMiles(aLat, aLon, bLat, bLon float64) float64 {
	return HaversineDistance(aLat, aLon, bLat, bLon) / KmPerMile
}

// Lat/lon box guaranteed to contain the circle of radiusMiles around
// lat, lon. Used to narrow down SQL queries before the exact distance
// check.
type boundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func boundsFor(lat, lon, radiusMiles float64) boundingBox {
	dLat := radiusMiles * KmPerMile / earthRadiusKm * 180 / math.Pi
	dLon := 180.0
	if c := math.Cos(lat * math.Pi / 180); c > 1e-6 {
		dLon = math.Min(dLat/c, 180)
	}
	return boundingBox{
		MinLat: lat - dLat,
		MaxLat: lat + dLat,
		MinLon: lon - dLon,
		MaxLon: lon + dLon,
	}
}

// Keeps the candidates within radiusMiles, sets their distance and
// sorts them nearest first. Ties are broken on agency and stop id to
// keep results stable.
func withinRadius(lat, lon, radiusMiles float64, candidates []model.RawStop) []model.RawStop {
	res := []model.RawStop{}
	for _, s := range candidates {
		d := DistanceMiles(lat, lon, s.Lat, s.Lon)
		if d > radiusMiles {
			continue
		}
		s.Distance = d
		res = append(res, s)
	}

	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Distance != res[j].Distance {
			return res[i].Distance < res[j].Distance
		}
		if res[i].Agency != res[j].Agency {
			return res[i].Agency < res[j].Agency
		}
		return res[i].StopID < res[j].StopID
	})

	return res
}

func normalizeAgency(agency string) string {
	return strings.ToLower(strings.TrimSpace(agency))
}
