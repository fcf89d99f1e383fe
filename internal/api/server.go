package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voxhall/iv-engine/internal/config"
	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/extract"
	"github.com/voxhall/iv-engine/internal/metrics"
	"github.com/voxhall/iv-engine/internal/mqttclient"
	"github.com/voxhall/iv-engine/internal/reconstruct"
	"github.com/voxhall/iv-engine/internal/storage"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Deps are the wired components handlers draw on.
type Deps struct {
	DB       *database.DB
	Pipeline *extract.Pipeline
	Orch     *reconstruct.Orchestrator
	Store    storage.ArtifactStore
	Bus      *extract.EventBus
	MQTT     *mqttclient.Client
	Version  string
}

func NewServer(cfg *config.Config, deps Deps, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler())

	// Unauthenticated surfaces
	health := NewHealthHandler(deps.DB, deps.MQTT, deps.Version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	interviews := NewInterviewsHandler(deps.DB, deps.Pipeline, deps.Orch, deps.Store, log)
	events := NewEventsHandler(deps.Bus)
	recon := NewReconstructionHandler(deps.DB, deps.Orch)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Route("/api/v1", func(r chi.Router) {
			interviews.Routes(r)
			events.Routes(r)
		})
		r.Post("/internal/reconstruction", recon.Control)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
