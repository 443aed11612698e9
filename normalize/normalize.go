package normalize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/parse"
)

const (
	DefaultInboundToken = "IB"
	DefaultHintTimeout  = 2 * time.Second
)

var ErrMalformedResponse = parse.ErrMalformedResponse

// Resolves a vehicle position to the name of the nearest stop. Must
// return "" rather than fail.
type VehicleNamer interface {
	NearestStopName(ctx context.Context, lat, lon float64) string
}

// Normalizes either realtime feed shape into a Schedule.
type Normalizer struct {
	// DirectionRef value marking inbound visits, compared case
	// insensitively. Visits whose DirectionRef contains "inbound"
	// are inbound as well.
	InboundToken string

	// Bound on each vehicle hint lookup.
	HintTimeout time.Duration

	// Optional. Without it, no vehicle hints are produced.
	Namer VehicleNamer

	// Timezone for clock-only arrival times ("15:04") in the
	// grouped feed.
	Location *time.Location

	TimeNow func() time.Time
}

func NewNormalizer(namer VehicleNamer) *Normalizer {
	return &Normalizer{
		InboundToken: DefaultInboundToken,
		HintTimeout:  DefaultHintTimeout,
		Namer:        namer,
		Location:     time.Local,
		TimeNow:      time.Now,
	}
}

// Decodes and normalizes a feed payload of the given kind.
//
// Unrecognized payloads yield an empty schedule and an error
// wrapping ErrMalformedResponse.
func (n *Normalizer) Normalize(ctx context.Context, kind model.FeedKind, data []byte) (*model.Schedule, error) {
	switch kind {
	case model.FeedVisits:
		visits, err := parse.ParseVisits(data)
		if err != nil {
			return model.EmptySchedule(), fmt.Errorf("parsing visits: %w", err)
		}
		return n.FromVisits(ctx, visits), nil

	case model.FeedGrouped:
		entries, err := parse.ParseGrouped(data)
		if err != nil {
			return model.EmptySchedule(), fmt.Errorf("parsing grouped predictions: %w", err)
		}
		return n.FromGrouped(entries), nil
	}

	return model.EmptySchedule(), fmt.Errorf("feed kind %q: %w", kind, ErrMalformedResponse)
}

// Builds a schedule from visit announcements, one arrival per visit.
//
// The first visit with a vehicle position in each group is used to
// look up a vehicle hint. Lookups run concurrently and are each
// bounded by HintTimeout.
func (n *Normalizer) FromVisits(ctx context.Context, visits []model.Visit) *model.Schedule {
	now := n.now()
	b := newBuilder()

	type vehicle struct{ lat, lon float64 }
	vehicles := map[groupKey]vehicle{}

	for _, v := range visits {
		key := groupKey{
			route:       routeLabel(v),
			destination: v.Destination,
			direction:   n.direction(v.DirectionRef),
		}

		arrival := model.Arrival{IsRealtime: true}
		if t := v.ArrivalTime(); !t.IsZero() {
			arrival.ETAMinutes = etaMinutes(t, now)
			arrival.ETATime = &t
		}
		b.add(key, arrival)

		if _, found := vehicles[key]; !found && v.HasVehicle {
			vehicles[key] = vehicle{v.VehicleLat, v.VehicleLon}
		}
	}

	if n.Namer != nil && len(vehicles) > 0 {
		lookups := make([]hintLookup, 0, len(vehicles))
		for key, veh := range vehicles {
			lookups = append(lookups, hintLookup{key: key, lat: veh.lat, lon: veh.lon})
		}
		for key, hint := range n.resolveHints(ctx, lookups) {
			b.setHint(key, hint)
		}
	}

	return b.schedule(now)
}

// Builds a schedule from pre-grouped entries. Entries sharing route,
// destination and direction are merged into a single group.
func (n *Normalizer) FromGrouped(entries []model.GroupedEntry) *model.Schedule {
	now := n.now()
	b := newBuilder()

	for _, e := range entries {
		dir := e.Direction
		if dir != model.Inbound {
			dir = model.Outbound
		}
		key := groupKey{
			route:       trimLineSuffix(e.RouteNumber),
			destination: e.Destination,
			direction:   dir,
		}

		arrival := model.Arrival{}
		if e.MinutesUntil != nil {
			eta := max(*e.MinutesUntil, 0)
			arrival.ETAMinutes = &eta
			t := now.Add(time.Duration(eta) * time.Minute)
			arrival.ETATime = &t
			arrival.IsRealtime = true
		} else if t, ok := n.parseArrivalTime(e.ArrivalTime, now); ok {
			arrival.ETAMinutes = etaMinutes(t, now)
			arrival.ETATime = &t
		}

		b.add(key, arrival)
	}

	return b.schedule(now)
}

// Builds a schedule from timetabled arrivals. None of the arrivals
// are realtime.
func (n *Normalizer) FromScheduled(arrivals []model.ScheduledArrival) *model.Schedule {
	now := n.now()
	b := newBuilder()

	for _, a := range arrivals {
		dir := a.Direction
		if dir != model.Inbound {
			dir = model.Outbound
		}
		key := groupKey{
			route:       trimLineSuffix(a.RouteLabel),
			destination: a.Destination,
			direction:   dir,
		}

		t := a.Time
		b.add(key, model.Arrival{
			ETAMinutes: etaMinutes(t, now),
			ETATime:    &t,
		})
	}

	return b.schedule(now)
}

func (n *Normalizer) direction(ref string) model.Direction {
	token := n.InboundToken
	if token == "" {
		token = DefaultInboundToken
	}
	if strings.EqualFold(ref, token) || strings.Contains(strings.ToLower(ref), "inbound") {
		return model.Inbound
	}
	return model.Outbound
}

func (n *Normalizer) now() time.Time {
	if n.TimeNow != nil {
		return n.TimeNow()
	}
	return time.Now()
}

// Accepts RFC3339 timestamps and wall clock times. A wall clock time
// refers to its next occurrence, allowing it to be up to an hour in
// the past.
func (n *Normalizer) parseArrivalTime(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}

	loc := n.Location
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)

	for _, layout := range []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "3:04 pm", "3:04pm"} {
		c, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		t := time.Date(local.Year(), local.Month(), local.Day(), c.Hour(), c.Minute(), c.Second(), 0, loc)
		if t.Before(local.Add(-time.Hour)) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true
	}

	return time.Time{}, false
}

// max(0, round((t - now) / 1m))
func etaMinutes(t time.Time, now time.Time) *int {
	m := int(t.Sub(now).Round(time.Minute) / time.Minute)
	if m < 0 {
		m = 0
	}
	return &m
}

// PublishedLineName if present, else LineRef.
func routeLabel(v model.Visit) string {
	label := v.RouteLabel
	if label == "" {
		label = v.LineRef
	}
	return trimLineSuffix(label)
}

// "Yellow Line" and "Yellow" are the same route.
func trimLineSuffix(label string) string {
	label = strings.TrimSpace(label)
	if trimmed := strings.TrimSpace(strings.TrimSuffix(label, " Line")); trimmed != "" {
		return trimmed
	}
	return label
}

type groupKey struct {
	route       string
	destination string
	direction   model.Direction
}

// Accumulates arrivals into groups, in first seen order.
type builder struct {
	groups map[groupKey]*model.RouteGroup
	order  []groupKey
}

func newBuilder() *builder {
	return &builder{groups: map[groupKey]*model.RouteGroup{}}
}

func (b *builder) add(key groupKey, arrival model.Arrival) {
	g, found := b.groups[key]
	if !found {
		g = &model.RouteGroup{
			RouteLabel:  key.route,
			Destination: key.destination,
			Direction:   key.direction,
			Arrivals:    []model.Arrival{},
		}
		b.groups[key] = g
		b.order = append(b.order, key)
	}
	g.Arrivals = append(g.Arrivals, arrival)
}

func (b *builder) setHint(key groupKey, hint string) {
	if g, found := b.groups[key]; found {
		g.VehicleHint = hint
	}
}

func (b *builder) schedule(now time.Time) *model.Schedule {
	s := model.EmptySchedule()
	s.FetchedAt = now

	for _, key := range b.order {
		g := b.groups[key]
		sortArrivals(g.Arrivals)
		if g.Direction == model.Inbound {
			s.Inbound = append(s.Inbound, *g)
		} else {
			s.Outbound = append(s.Outbound, *g)
		}
	}

	SortGroups(s.Inbound)
	SortGroups(s.Outbound)

	return s
}

// Ascending ETA, unknown last.
func sortArrivals(arrivals []model.Arrival) {
	sort.SliceStable(arrivals, func(i, j int) bool {
		a, b := arrivals[i].ETAMinutes, arrivals[j].ETAMinutes
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a < *b
	})
}

// Sorts groups by their earliest arrival, then route label. Groups
// without any known ETA go last.
func SortGroups(groups []model.RouteGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		mi, oki := groups[i].MinETA()
		mj, okj := groups[j].MinETA()
		if oki != okj {
			return oki
		}
		if oki && mi != mj {
			return mi < mj
		}
		if groups[i].RouteLabel != groups[j].RouteLabel {
			return groups[i].RouteLabel < groups[j].RouteLabel
		}
		return groups[i].Destination < groups[j].Destination
	})
}
