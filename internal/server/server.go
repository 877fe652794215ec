// Package server implements the HTTP transport layer for the Heimdall gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heimdallgw/heimdall/internal/auth"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dispatch"
	"github.com/heimdallgw/heimdall/internal/resolve"
	"github.com/heimdallgw/heimdall/internal/storage"
	"github.com/heimdallgw/heimdall/internal/telemetry"
	"github.com/heimdallgw/heimdall/internal/tokencount"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       *auth.Authenticator
	Dispatcher *dispatch.Dispatcher
	Registry   *dialect.Registry
	Resolver   *resolve.Resolver
	Store      storage.Store
	Counter    *tokencount.Counter

	// AdminKey guards the /admin surface and /logs/cleanup.
	AdminKey string

	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics route
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing dialect endpoints (auth key required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/messages/count_tokens", s.handleCountTokens)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1beta/models", s.handleListModelsGemini)
		// Gemini carries the model name and the action in one path
		// segment: /v1beta/models/gemini-pro:generateContent.
		r.Post("/v1beta/models/{modelAction}", s.handleGemini)
	})

	// Admin surface (admin key required)
	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/providers", s.handleListProviders)
			r.Post("/providers", s.handleCreateProvider)
			r.Get("/providers/{id}", s.handleGetProvider)
			r.Put("/providers/{id}", s.handleUpdateProvider)
			r.Delete("/providers/{id}", s.handleDeleteProvider)

			r.Get("/models", s.handleListAdminModels)
			r.Post("/models", s.handleCreateModel)
			r.Get("/models/{id}", s.handleGetModel)
			r.Put("/models/{id}", s.handleUpdateModel)
			r.Delete("/models/{id}", s.handleDeleteModel)

			r.Get("/bindings", s.handleListBindings)
			r.Post("/bindings", s.handleCreateBinding)
			r.Get("/bindings/{id}", s.handleGetBinding)
			r.Put("/bindings/{id}", s.handleUpdateBinding)
			r.Delete("/bindings/{id}", s.handleDeleteBinding)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Get("/keys/{id}", s.handleGetKey)
			r.Put("/keys/{id}", s.handleUpdateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)

			r.Get("/logs", s.handleListLogs)
			r.Get("/logs/{id}/io", s.handleGetLogIO)
		})
		r.Post("/logs/cleanup", s.handleLogsCleanup)
	})

	return r
}

type server struct {
	deps Deps
}
