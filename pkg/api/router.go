// Package api provides HTTP API server components.
package api

import (
	"net/http"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/api/handlers"
	"github.com/contextd/contextd/pkg/api/middleware"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/contextd/contextd/docs/swagger" // Import generated docs
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Context handles knowledge retrieval endpoints
	Context *handlers.ContextHandler

	// Users handles per-user memory, prompt and chat endpoints
	Users *handlers.UserHandler

	// ChatSocket streams chat turns over websocket
	ChatSocket *handlers.ChatSocketHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	// Register global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	// Add metrics middleware if provided
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}

	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.CORS(&cfg.Server.CORS))

	if cfg.Server.RateLimit.Enabled {
		r.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)))
	}
	r.Use(middleware.Principal(cfg.Auth.PrincipalHeader))

	// Register routes
	RegisterRoutes(r, handlers, cfg.Server.HTTP.RequestTimeout)

	return r
}

// RegisterRoutes registers all API routes. Request/response routes are bound
// by requestTimeout; the chat websocket is long-lived and is not.
func RegisterRoutes(r chi.Router, handlers *Handlers, requestTimeout time.Duration) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if requestTimeout > 0 {
				r.Use(middleware.Timeout(requestTimeout))
			}

			if handlers.Context != nil {
				r.Post("/context/retrieve", handlers.Context.Retrieve)
			}

			if handlers.Users != nil {
				r.Route("/users/{userID}", func(r chi.Router) {
					r.Get("/memories", handlers.Users.Memories)
					r.Post("/turns", handlers.Users.RecordTurn)
					r.Post("/prompt", handlers.Users.BuildPrompt)
					r.Post("/chat", handlers.Users.Chat)
				})
			}
		})

		if handlers.ChatSocket != nil {
			r.Method(http.MethodGet, "/users/{userID}/chat/ws", handlers.ChatSocket)
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
