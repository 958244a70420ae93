// Package server exposes the activation Manager over HTTP.
//
// Success responses are wrapped as {"data": ...}; failures use
// {"error": {"code": "...", "message": "..."}} with the codes defined in the
// uidlicense package. Admin routes are only mounted when a SessionVerifier is
// configured.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense"
)

const defaultRequestTimeout = 30 * time.Second

// Server serves the license HTTP API.
type Server struct {
	manager  *uidlicense.Manager
	logger   *slog.Logger
	validate *validator.Validate
	sessions SessionVerifier
	limiter  Limiter
	registry *prometheus.Registry
	metrics  *Metrics
	origins  []string
	timeout  time.Duration
	health   func(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Default discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithSessionVerifier enables the admin API, authenticated by v.
func WithSessionVerifier(v SessionVerifier) Option {
	return func(s *Server) {
		s.sessions = v
	}
}

// WithLimiter rate limits activation requests per client address.
func WithLimiter(l Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithMetricsRegistry registers the server metrics on reg and serves it at
// /metrics. Default is a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithAllowedOrigins sets the CORS allow list. Default allows any origin
// without credentials.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithRequestTimeout bounds each request. Default is 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithHealthCheck sets the probe behind /health, typically a store ping.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.health = check
	}
}

// New creates a Server for m.
func New(m *uidlicense.Manager, opts ...Option) *Server {
	s := &Server{
		manager: m,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(s.registry)
	s.validate = newValidator()
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/activate", s.handleActivate)
		r.Get("/bindings", s.handleListBindings)
		r.Delete("/bindings/{id}", s.handleUnbind)
		if s.manager.ReceiptsEnabled() {
			r.Get("/bindings/{id}/receipt", s.handleReceipt)
		}

		if s.sessions == nil {
			return
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireSession)

			r.Get("/stats", s.handleDashboard)

			r.Post("/licenses", s.handleCreateLicense)
			r.Get("/licenses", s.handleListLicenses)
			r.Put("/licenses/{id}/status", s.handleSetLicenseStatus)
			r.Delete("/licenses/{id}", s.handleDeleteLicense)

			r.Get("/bindings", s.handleListBindingDetails)
			r.Put("/bindings/{id}/status", s.handleSetBindingStatus)
			r.Delete("/bindings/{id}", s.handleDeactivate)
		})
	})

	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300, // Maximum value not ignored by any major browsers
	}
	if len(s.origins) > 0 {
		opts.AllowedOrigins = s.origins
		opts.AllowCredentials = true
	}
	return opts
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", slog.String("error", err.Error()))
			writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "storage unreachable")
			return
		}
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
