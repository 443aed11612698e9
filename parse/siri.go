package parse

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"tidbyt.dev/arrivals/model"
)

// SIRI StopMonitoring, as served in JSON by 511.org and friends. Only
// the parts needed to build arrivals are decoded.

type siriResponse struct {
	ServiceDelivery *struct {
		ResponseTimestamp      flexString                       `json:"ResponseTimestamp"`
		StopMonitoringDelivery oneOrMany[siriStopMonitoringDel] `json:"StopMonitoringDelivery"`
	} `json:"ServiceDelivery"`
	Siri *siriResponse `json:"Siri"`
}

type siriStopMonitoringDel struct {
	MonitoredStopVisit oneOrMany[siriStopVisit] `json:"MonitoredStopVisit"`
}

type siriStopVisit struct {
	MonitoringRef           flexString `json:"MonitoringRef"`
	MonitoredVehicleJourney struct {
		LineRef           flexString `json:"LineRef"`
		DirectionRef      flexString `json:"DirectionRef"`
		PublishedLineName flexString `json:"PublishedLineName"`
		DestinationName   flexString `json:"DestinationName"`
		VehicleLocation   *struct {
			Latitude  flexFloat `json:"Latitude"`
			Longitude flexFloat `json:"Longitude"`
		} `json:"VehicleLocation"`
		MonitoredCall struct {
			DestinationDisplay  flexString `json:"DestinationDisplay"`
			AimedArrivalTime    flexString `json:"AimedArrivalTime"`
			ExpectedArrivalTime flexString `json:"ExpectedArrivalTime"`
		} `json:"MonitoredCall"`
	} `json:"MonitoredVehicleJourney"`
}

// Parses a SIRI StopMonitoring JSON response into visits.
//
// A response without a ServiceDelivery (possibly wrapped in a Siri
// envelope) is reported as ErrMalformedResponse. A delivery with no
// visits is fine, and yields none.
func ParseVisits(data []byte) ([]model.Visit, error) {
	resp := siriResponse{}
	if err := json.Unmarshal(bom.Clean(data), &resp); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if resp.ServiceDelivery == nil && resp.Siri != nil {
		resp = *resp.Siri
	}
	if resp.ServiceDelivery == nil {
		return nil, errors.Wrap(ErrMalformedResponse, "no ServiceDelivery")
	}

	visits := []model.Visit{}
	for _, delivery := range resp.ServiceDelivery.StopMonitoringDelivery {
		for _, sv := range delivery.MonitoredStopVisit {
			mvj := sv.MonitoredVehicleJourney

			v := model.Visit{
				LineRef:      strings.TrimSpace(string(mvj.LineRef)),
				RouteLabel:   strings.TrimSpace(string(mvj.PublishedLineName)),
				Destination:  strings.TrimSpace(string(mvj.DestinationName)),
				DirectionRef: strings.TrimSpace(string(mvj.DirectionRef)),
			}
			if v.Destination == "" {
				v.Destination = strings.TrimSpace(string(mvj.MonitoredCall.DestinationDisplay))
			}

			v.ExpectedArrival = parseSIRITime(string(mvj.MonitoredCall.ExpectedArrivalTime))
			v.AimedArrival = parseSIRITime(string(mvj.MonitoredCall.AimedArrivalTime))

			if loc := mvj.VehicleLocation; loc != nil && loc.Latitude.Valid && loc.Longitude.Valid {
				if loc.Latitude.Value != 0 || loc.Longitude.Value != 0 {
					v.HasVehicle = true
					v.VehicleLat = loc.Latitude.Value
					v.VehicleLon = loc.Longitude.Value
				}
			}

			visits = append(visits, v)
		}
	}

	return visits, nil
}

// Zero time if blank or unparseable.
func parseSIRITime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
