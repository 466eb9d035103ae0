// Package httpapi implements OpsConductor's HTTP ingress (spec §6):
// the POST /pipeline and POST /pipeline/resume endpoints that front the
// Orchestrator, and the authenticated Cache Management API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opsconductor/opsconductor/pkg/cache"
)

// Config controls Server construction.
type Config struct {
	// APIKey, if non-empty, is the bearer token the Cache Management API
	// requires via an Authorization: Bearer <APIKey> header.
	APIKey string

	// CORSAllowedOrigins, if non-empty, enables CORS for the listed origins.
	CORSAllowedOrigins []string
}

// Server wires the chi router used to serve spec §6's HTTP surface.
type Server struct {
	router   *chi.Mux
	pipeline Pipeline
	cache    *cache.Manager
	logger   logrus.FieldLogger
	config   Config
}

// NewServer builds a Server with its own Prometheus registry for route
// metrics, so multiple Servers (e.g. in tests) never collide on collector
// registration.
func NewServer(pipeline Pipeline, cacheManager *cache.Manager, logger logrus.FieldLogger, config Config) *Server {
	return newServerWithRegistry(pipeline, cacheManager, logger, config, prometheus.NewRegistry())
}

func newServerWithRegistry(pipeline Pipeline, cacheManager *cache.Manager, logger logrus.FieldLogger, config Config, registry *prometheus.Registry) *Server {
	s := &Server{
		pipeline: pipeline,
		cache:    cacheManager,
		logger:   logger,
		config:   config,
	}

	s.router = chi.NewRouter()
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(httpMetrics(newRouteMetrics(registry)))
	s.router.Use(requestLogger(logger))
	s.router.Use(validateContentType)

	if len(config.CORSAllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: config.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.router.Post("/pipeline", s.handlePipeline)
	s.router.Post("/pipeline/resume", s.handlePipelineResume)

	s.router.Route("/api/v1/cache", func(r chi.Router) {
		r.Use(requireBearerToken(config.APIKey))
		r.Get("/stats", s.handleCacheStats)
		r.Get("/health", s.handleCacheHealth)
		r.Post("/invalidate", s.handleCacheInvalidate)
		r.Post("/invalidate/all", s.handleCacheInvalidateAll)
		r.Post("/invalidate/stage/{stage}", s.handleCacheInvalidateStage)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	connected, latency := s.cache.Health(r.Context())
	if !connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "cache_latency_ms": latency.Milliseconds()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true, "cache_latency_ms": latency.Milliseconds()})
}

// NewHTTPServer builds the *http.Server that serves handler on addr; starting
// it and shutting it down are left to the caller (see cmd/opsconductor).
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
