package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lexia/inference-gateway/internal/auth"
	"github.com/lexia/inference-gateway/internal/config"
	"github.com/lexia/inference-gateway/internal/domain"
	"github.com/lexia/inference-gateway/internal/ratelimit"
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	srv    *http.Server
}

// New builds the HTTP server: global middleware, the public health route,
// and the authenticated /v1 surface. Rate limiting applies to inference
// routes; job polling and the model list only require authentication.
func New(cfg *config.Config, logger *slog.Logger, authenticator *auth.Authenticator, limiter ratelimit.Limiter, handler *Handler) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "lexia-gateway")
	})

	r.Get("/health", handler.HandleHealth)

	rateLimited := RateLimitMiddleware(limiter, cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerMinute)
	timeout := TimeoutMiddleware(cfg.Server.RequestTimeout)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(authenticator))
		r.Use(timeout)

		r.With(RequireCapability(domain.CapabilityChat), rateLimited).
			Post("/chat/completions", handler.HandleChatCompletion)
		r.With(RequireCapability(domain.CapabilityChat)).
			Get("/models", handler.HandleModels)

		r.With(RequireCapability(domain.CapabilitySTT), rateLimited).
			Post("/transcriptions", handler.HandleCreateTranscription)
		r.With(RequireCapability(domain.CapabilityDiarize), rateLimited).
			Post("/diarization", handler.HandleCreateDiarization)

		r.Get("/jobs", handler.HandleListJobs)
		r.Get("/jobs/{id}", handler.HandleGetJob)
		r.Delete("/jobs/{id}", handler.HandleCancelJob)
	})

	return &Server{
		Router: r,
		Port:   cfg.Server.Port,
		logger: logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
