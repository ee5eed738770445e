package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/modelmux/modelmux/internal/orchestrator"
)

// NewRouter builds the client API router. A positive timeout caps how long
// any single request may be processed, over and above the caller's own
// latency budget.
func NewRouter(o *orchestrator.Orchestrator, apiKey string, timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	for _, m := range middlewareChain() {
		r.Use(m)
	}
	if timeout > 0 {
		r.Use(chiMiddleware.Timeout(timeout))
	}
	r.Use(AuthMiddleware(apiKey))
	r.Post("/requests", RequestHandler(o))
	r.Get("/backends", BackendsHandler(o))
	r.Get("/switches", SwitchesHandler(o))
	r.Get("/config", ConfigHandler(o))
	r.Put("/config", ConfigHandler(o))
	return r
}
