// Package server exposes the memory system over HTTP: memory CRUD and
// search, long-term graph and category lookups, maintenance triggers, and
// Prometheus metrics.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/manager"
)

// Server is the engram HTTP API server.
type Server struct {
	mgr     *manager.Manager
	log     *logrus.Entry
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server over an initialized manager.
func New(mgr *manager.Manager, version string, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		mgr:     mgr,
		log:     log.WithField("component", "server"),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Post("/memories", s.handleAddMemory)
		r.Get("/memories/search", s.handleSearch)
		r.Get("/memories/{memoryID}", s.handleGetMemory)
		r.Patch("/memories/{memoryID}", s.handleUpdateMemory)
		r.Delete("/memories/{memoryID}", s.handleDeleteMemory)
		r.Post("/memories/{memoryID}/decay", s.handleDecayMemory)
		r.Post("/memories/{memoryID}/consolidate", s.handleConsolidateMemory)

		r.Post("/memories/{memoryID}/relationships", s.handleAddRelationship)
		r.Get("/memories/{memoryID}/related", s.handleRelatedMemories)
		r.Get("/memories/{memoryID}/categories", s.handleMemoryCategories)
		r.Put("/memories/{memoryID}/categories", s.handleSetCategories)
		r.Get("/categories", s.handleAllCategories)
		r.Get("/categories/{category}", s.handleCategoryMembers)

		r.Post("/maintenance/run", s.handleRunMaintenance)
		r.Get("/maintenance/status", s.handleMaintenanceStatus)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.mgr.Registry(), promhttp.HandlerOpts{}))

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
