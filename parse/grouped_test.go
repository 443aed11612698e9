package parse

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals/model"
)

func TestParseGrouped(t *testing.T) {
	entries, err := ParseGrouped([]byte(`{
  "outbound": [
    {"route_number": "Dublin/Pleasanton", "destination": "Dublin", "minutes_until": 4},
    {"route_number": "Dublin/Pleasanton", "destination": "Dublin", "minutes_until": "19"}
  ],
  "inbound": [
    {"route": "Richmond", "destination": "Richmond", "arrival_time": "2024-03-01T12:30:00Z"},
    {"route_number": "Antioch", "destination": "Antioch", "minutes_until": null}
  ]
}`))
	require.NoError(t, err)

	assert.Equal(t, []model.GroupedEntry{
		{RouteNumber: "Richmond", Destination: "Richmond", Direction: model.Inbound, ArrivalTime: "2024-03-01T12:30:00Z"},
		{RouteNumber: "Antioch", Destination: "Antioch", Direction: model.Inbound},
		{RouteNumber: "Dublin/Pleasanton", Destination: "Dublin", Direction: model.Outbound, MinutesUntil: model.IntPtr(4)},
		{RouteNumber: "Dublin/Pleasanton", Destination: "Dublin", Direction: model.Outbound, MinutesUntil: model.IntPtr(19)},
	}, entries)
}

func TestParseGroupedOneDirection(t *testing.T) {
	entries, err := ParseGrouped([]byte(`{"outbound": []}`))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseGroupedMalformed(t *testing.T) {
	for _, data := range []string{
		``,
		`[]`,
		`{"ServiceDelivery": {}}`,
		`{"inbound": "soon"}`,
		`{"inbound": [`,
	} {
		_, err := ParseGrouped([]byte(data))
		assert.True(t, errors.Is(err, ErrMalformedResponse), "%q: %v", data, err)
	}
}
