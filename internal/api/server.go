// Package api exposes the tracking engine's query and mutation surface over
// HTTP: tracked objects, journeys, live summary state, topology edits, and
// learned-connection suggestions.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sightline-data/sightline/internal/alert"
	"github.com/sightline-data/sightline/internal/fusion"
	"github.com/sightline-data/sightline/internal/monitoring"
	"github.com/sightline-data/sightline/internal/storage"
	"github.com/sightline-data/sightline/internal/topology"
	"github.com/sightline-data/sightline/internal/track"
)

// Server serves the tracking API.
type Server struct {
	store   *track.Store
	topo    *topology.Topology
	learner *fusion.TransitLearner
	alerts  *alert.Manager
	db      *storage.DB
}

// NewServer assembles the API server. db may be nil when running without
// persistence (journey and alert history endpoints then return empty lists).
func NewServer(store *track.Store, topo *topology.Topology, learner *fusion.TransitLearner, alerts *alert.Manager, db *storage.DB) *Server {
	return &Server{store: store, topo: topo, learner: learner, alerts: alerts, db: db}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// ServeMux returns the route table wrapped in request logging.
func (s *Server) ServeMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/objects", s.listObjects)
	mux.HandleFunc("GET /api/objects/{id}", s.getObject)
	mux.HandleFunc("GET /api/objects/{id}/journeys", s.getJourneys)
	mux.HandleFunc("GET /api/cameras/{id}/objects", s.objectsOnCamera)
	mux.HandleFunc("GET /api/summary", s.summary)
	mux.HandleFunc("GET /api/topology", s.getTopology)
	mux.HandleFunc("PUT /api/topology", s.putTopology)
	mux.HandleFunc("GET /api/suggestions", s.listSuggestions)
	mux.HandleFunc("POST /api/suggestions/accept", s.acceptSuggestion)
	mux.HandleFunc("POST /api/suggestions/reject", s.rejectSuggestion)
	mux.HandleFunc("GET /api/alerts", s.listAlerts)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(lrw, r)
		monitoring.Logf("api: %s %s -> %d (%s)", r.Method, r.URL.Path, lrw.statusCode, time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.store.All())
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	obj, ok := s.store.Get(id)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown object %q", id))
		return
	}
	s.writeJSON(w, obj)
}

func (s *Server) getJourneys(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	obj, ok := s.store.Get(id)
	if ok {
		// Live objects answer from memory; the store holds the full path.
		journeys := obj.Journeys
		if journeys == nil {
			journeys = []track.Journey{}
		}
		s.writeJSON(w, journeys)
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown object %q", id))
		return
	}
	journeys, err := s.db.ListJourneys(id, 0)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if journeys == nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown object %q", id))
		return
	}
	s.writeJSON(w, journeys)
}

func (s *Server) objectsOnCamera(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.store.ObjectsOnCamera(r.PathValue("id")))
}

// summaryResponse is the live overlay state.
type summaryResponse struct {
	Objects      []objectSummary `json:"objects"`
	ActiveAlerts int             `json:"active_alerts"`
	Suggestions  int             `json:"suggestions"`
}

type objectSummary struct {
	ID      string      `json:"id"`
	Class   string      `json:"class"`
	Label   string      `json:"label,omitempty"`
	State   track.State `json:"state"`
	Cameras []string    `json:"cameras"`
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	objects := s.store.ActiveObjects()
	resp := summaryResponse{
		Objects:      make([]objectSummary, 0, len(objects)),
		ActiveAlerts: s.alerts.ActiveCount(),
		Suggestions:  len(s.learner.Suggestions()),
	}
	for _, obj := range objects {
		sum := objectSummary{ID: obj.ID, Class: obj.Class, Label: obj.Label, State: obj.State}
		for cam := range obj.ActiveCameras {
			sum.Cameras = append(sum.Cameras, cam)
		}
		resp.Objects = append(resp.Objects, sum)
	}
	s.writeJSON(w, resp)
}

func (s *Server) getTopology(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.topo.Snapshot())
}

func (s *Server) putTopology(w http.ResponseWriter, r *http.Request) {
	var snap topology.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid topology document: %v", err))
		return
	}

	s.topo.Replace(snap)
	if s.db != nil {
		if err := s.db.SaveTopology(snap); err != nil {
			monitoring.Logf("api: topology persist: %v", err)
		}
	}
	s.writeJSON(w, s.topo.Snapshot())
}

func (s *Server) listSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions := s.learner.Suggestions()
	if suggestions == nil {
		suggestions = []topology.Suggestion{}
	}
	s.writeJSON(w, suggestions)
}

// suggestionRequest identifies a learned-connection proposal by camera pair.
type suggestionRequest struct {
	FromCameraID string `json:"from_camera_id"`
	ToCameraID   string `json:"to_camera_id"`
}

func (s *Server) acceptSuggestion(w http.ResponseWriter, r *http.Request) {
	var req suggestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := s.learner.Accept(req.FromCameraID, req.ToCameraID); err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.db != nil {
		if err := s.db.SaveTopology(s.topo.Snapshot()); err != nil {
			monitoring.Logf("api: topology persist: %v", err)
		}
	}
	s.writeJSON(w, s.topo.Snapshot())
}

func (s *Server) rejectSuggestion(w http.ResponseWriter, r *http.Request) {
	var req suggestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	s.learner.Reject(req.FromCameraID, req.ToCameraID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSON(w, []alert.Record{})
		return
	}
	alerts, err := s.db.ListAlerts(0)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []alert.Record{}
	}
	s.writeJSON(w, alerts)
}
