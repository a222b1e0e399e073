package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/asr-service/internal/api/handlers"
	"github.com/nikhilbhutani/asr-service/internal/api/middleware"
	"github.com/nikhilbhutani/asr-service/internal/config"
	"github.com/nikhilbhutani/asr-service/internal/metrics"
	"github.com/nikhilbhutani/asr-service/internal/upload"
)

type Router struct {
	mux      *chi.Mux
	cfg      *config.Config
	pipeline handlers.Transcriber
	store    *upload.Store
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewRouter(cfg *config.Config, pipeline handlers.Transcriber, store *upload.Store, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		mux:      chi.NewRouter(),
		cfg:      cfg,
		pipeline: pipeline,
		store:    store,
		metrics:  m,
		log:      logger,
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(rt.log, rt.metrics))
	r.Use(middleware.Recover(rt.log))
	r.Use(middleware.CORS(rt.cfg.CORS.AllowedOrigins))

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	// Info endpoints
	health := handlers.NewHealthHandler(rt.cfg.Model, rt.pipeline)
	r.Get("/", health.Root)
	r.Get("/health", health.Health)
	r.Get("/languages", health.Languages)
	r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())

	// Transcription
	th := handlers.NewTranscribeHandler(rt.pipeline, rt.store)
	r.Post("/transcribe", th.Transcribe)
	r.Post("/transcribe/simple", th.Simple)

	return r
}
