package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/model"
)

type Response[T any] struct {
	Data     T        `json:"data"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type NearbyStops struct {
	Stops []model.CanonicalStop `json:"stops"`
}

type StopState struct {
	Key   string `json:"key"`
	State string `json:"state"`
}

// JSON surface over a Coordinator.
type Server struct {
	Coordinator *arrivals.Coordinator

	// Served on /metrics if set.
	Metrics http.Handler
}

func NewServer(c *arrivals.Coordinator, metrics http.Handler) *Server {
	return &Server{
		Coordinator: c,
		Metrics:     metrics,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/nearby-stops", s.handleNearbyStops).Methods("GET")
	r.HandleFunc("/stops/{agency}/{id}/schedule", s.handleSchedule).Methods("GET")
	r.HandleFunc("/stops/{agency}/{id}/schedule", s.handleInvalidate).Methods("DELETE")
	r.HandleFunc("/stops/{agency}/{id}/state", s.handleState).Methods("GET")
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics).Methods("GET")
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response[string]{Data: "ok"})
}

func (s *Server) handleNearbyStops(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		writeJSON(w, http.StatusBadRequest, Response[*NearbyStops]{Error: "invalid lat"})
		return
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		writeJSON(w, http.StatusBadRequest, Response[*NearbyStops]{Error: "invalid lon"})
		return
	}
	radius := 0.0
	if v := q.Get("radius"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius < 0 {
			writeJSON(w, http.StatusBadRequest, Response[*NearbyStops]{Error: "invalid radius"})
			return
		}
	}

	res, err := s.Coordinator.FindNearbyStops(r.Context(), lat, lon, radius)

	resp := Response[*NearbyStops]{Data: &NearbyStops{Stops: []model.CanonicalStop{}}}
	if res != nil {
		resp.Data.Stops = res.Stops
		for _, warning := range res.Warnings {
			resp.Warnings = append(resp.Warnings, warning.Error())
		}
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	stop := stopFromRequest(r)
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	schedule, err := s.Coordinator.GetSchedule(r.Context(), stop, refresh)
	if err != nil {
		writeJSON(w, statusFor(err), Response[*model.Schedule]{Data: schedule, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, Response[*model.Schedule]{Data: schedule})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	stop := stopFromRequest(r)
	s.Coordinator.Invalidate(stop)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	stop := stopFromRequest(r)
	writeJSON(w, http.StatusOK, Response[StopState]{Data: StopState{
		Key:   stop.Key(),
		State: s.Coordinator.State(stop).String(),
	}})
}

// Stops are addressed by agency and canonical ID. The realtime lookup
// code defaults to the canonical ID, and can be overridden with the
// code parameter.
func stopFromRequest(r *http.Request) model.CanonicalStop {
	vars := mux.Vars(r)
	stop := model.CanonicalStop{
		Agency:      vars["agency"],
		CanonicalID: vars["id"],
		LookupCode:  r.URL.Query().Get("code"),
	}
	if stop.LookupCode == "" {
		stop.LookupCode = stop.CanonicalID
	}
	return stop
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, arrivals.ErrUnknownAgency):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writing response: %v", err)
	}
}
