// Package api serves the broker's HTTP endpoints: health, connected peers and
// stored session recordings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"livesession/internal/recording"
	"livesession/internal/store"
	"livesession/pkg/types"
)

// Store is the persistence the API reads. *store.Store satisfies it.
type Store interface {
	HealthCheck(ctx context.Context) error
	ListRecordings(ctx context.Context) ([]store.RecordingSummary, error)
	GetRecording(ctx context.Context, id string) (*types.SessionRecording, error)
	DeleteRecording(ctx context.Context, id string) error
}

// Registry is the broker's view of connected peers.
type Registry interface {
	Peers() []string
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP layer is a thin shell over the store and the
// broker registry, no session logic lives here
type Server struct {
	store    Store
	registry Registry
	logger   *slog.Logger
	started  time.Time
	router   *http.ServeMux
}

func NewServer(store Store, registry Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		registry: registry,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
		router:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	wrap := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}
	s.router.Handle("GET /health", wrap(s.healthCheck))
	s.router.Handle("GET /api/peers", wrap(s.listPeers))
	s.router.Handle("GET /api/recordings", wrap(s.listRecordings))
	s.router.Handle("GET /api/recordings/{id}", wrap(s.getRecording))
	s.router.Handle("DELETE /api/recordings/{id}", wrap(s.deleteRecording))
	s.router.Handle("OPTIONS /api/", wrap(func(w http.ResponseWriter, r *http.Request) {}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type PeersResponse struct {
	Peers []string `json:"peers"`
	Count int      `json:"count"`
}

type RecordingsResponse struct {
	Recordings []store.RecordingSummary `json:"recordings"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - 503 when the database is unreachable
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.encode(w, response)
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.registry.Peers()
	s.encode(w, PeersResponse{Peers: peers, Count: len(peers)})
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRecordings(r.Context())
	if err != nil {
		s.logger.Error("failed to list recordings", "error", err)
		s.sendError(w, "Failed to list recordings", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.RecordingSummary{}
	}
	s.encode(w, RecordingsResponse{Recordings: list})
}

// FUNCTIONAL DISCOVERY: GET /api/recordings/{id}?format=yaml - same export
// the CLI writes
func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecording(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, "Recording not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to load recording", "id", r.PathValue("id"), "error", err)
		s.sendError(w, "Failed to load recording", http.StatusInternalServerError)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", recording.FormatJSON:
		format = recording.FormatJSON
	case recording.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	default:
		s.sendError(w, fmt.Sprintf("Unsupported format %q", format), http.StatusBadRequest)
		return
	}

	if err := recording.Export(w, rec, format); err != nil {
		s.logger.Error("failed to export recording", "id", rec.ID, "error", err)
	}
}

func (s *Server) deleteRecording(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteRecording(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, "Recording not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to delete recording", "id", r.PathValue("id"), "error", err)
		s.sendError(w, "Failed to delete recording", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS is open so the docs site can poll the broker
// from another origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
