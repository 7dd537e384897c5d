package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lucap123/machine-auth-service/internal/application"
)

// Handler is the HTTP adapter entrypoint for the authentication use-cases.
// Keeping only the application dependency here preserves clean adapter boundaries.
type Handler struct {
	service   *application.Service
	storePing func(ctx context.Context) error
}

// NewHandler constructs an HTTP handler bound to the application service.
// storePing backs the store health endpoint and may be nil in tests.
func NewHandler(service *application.Service, storePing func(ctx context.Context) error) *Handler {
	return &Handler{service: service, storePing: storePing}
}

// NewRouter registers routes and the middleware stack.
// Paths match the deployment's existing clients: POST /auth and
// GET /machines/{machine_id}/status are the external contract.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/", handler.root)
	r.Get("/health", handler.health)
	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.health)

	r.Post("/auth", handler.authenticate)
	r.Get("/machines/{machine_id}/status", handler.machineStatus)

	return r
}
