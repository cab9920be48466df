package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/convokit/agendad/internal/planner"
	"github.com/convokit/agendad/internal/store"
)

// Server is the agendad HTTP API server.
type Server struct {
	db      *store.DB
	planner *planner.Planner
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server with the given database, planner, and
// version string.
func New(db *store.DB, p *planner.Planner, version string) *Server {
	s := &Server{
		db:      db,
		planner: p,
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

		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/stack", s.handleGetStack)
		r.Get("/agenda", s.handleGetAgenda)
		r.Post("/goals/seed", s.handleSeedGoal)
		r.Get("/journal", s.handleGetJournal)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}
