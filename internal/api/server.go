package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgallion1/codecollect/internal/config"
	"github.com/dgallion1/codecollect/internal/metrics"
	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/store"
)

// Server is the HTTP API server for codecollect.
type Server struct {
	router       chi.Router
	orchestrator *pipeline.Orchestrator
	publisher    *pipeline.Publisher
	store        store.Store
	metrics      *metrics.Metrics
	log          *slog.Logger
	cfg          config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(orch *pipeline.Orchestrator, pub *pipeline.Publisher, st store.Store, m *metrics.Metrics, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		orchestrator: orch,
		publisher:    pub,
		store:        st,
		metrics:      m,
		log:          log,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log, s.metrics))

	// Public endpoints.
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(AuthMiddleware(s.cfg.APIKey, s.log))
		}

		r.Post("/api/collect", s.handleCollect)
		r.Post("/api/split", s.handleSplit)
		r.Post("/api/scan", s.handleScan)

		r.Route("/api/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleTaskStatus)
			r.Delete("/", s.handleCancel)
			r.Get("/events", s.handleEvents)
			r.Get("/result", s.handleResult)
			r.Get("/log", s.handleLog)
			r.Get("/files/{name}", s.handleFile)
		})

		r.Get("/tasks/{taskID}", s.handleResultPage)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"queue_depth": s.orchestrator.QueueDepth(),
		"tasks":       s.orchestrator.Registry().Len(),
	})
}
