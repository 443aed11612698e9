package arrivals

import (
	"context"
	"fmt"
	"sync"

	"tidbyt.dev/arrivals/model"
)

// Tracks the schedule requests of one client (a view showing a few
// selected stops), so that results overtaken by a newer request or a
// deselect can be told apart and discarded.
//
// Discarding doesn't cancel the underlying fetch: it may be shared
// with other callers, and its result is still cached.
type Session struct {
	coordinator *Coordinator

	mutex       sync.Mutex
	generations map[string]uint64
}

func (c *Coordinator) NewSession() *Session {
	return &Session{
		coordinator: c,
		generations: map[string]uint64{},
	}
}

// Loads the schedule of a stop. If another Load or a Deselect for the
// same stop happened before this one completed, the result is
// discarded and an error wrapping ErrStale is returned instead.
func (s *Session) Load(ctx context.Context, stop model.CanonicalStop, forceRefresh bool) (*model.Schedule, error) {
	key := stop.Key()
	gen := s.bump(key)

	schedule, err := s.coordinator.GetSchedule(ctx, stop, forceRefresh)

	if current := s.Generation(stop); current != gen {
		return nil, fmt.Errorf("schedule for %s (request %d, now %d): %w", key, gen, current, ErrStale)
	}

	return schedule, err
}

// Marks any in-flight Load for the stop as stale.
func (s *Session) Deselect(stop model.CanonicalStop) {
	s.bump(stop.Key())
}

// Current generation of a stop. Zero if never requested.
func (s *Session) Generation(stop model.CanonicalStop) uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.generations[stop.Key()]
}

func (s *Session) bump(key string) uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.generations[key]++
	return s.generations[key]
}
