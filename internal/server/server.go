// Package server assembles the public HTTP surface: the client API, the
// backend websocket attach point, health and metrics endpoints.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux/internal/api"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/remote"
)

// New constructs the HTTP handler for the server.
func New(o *orchestrator.Orchestrator, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	preg := prometheus.NewRegistry()
	metrics.Register(preg)

	// The request timeout only covers the client API; the backend attach
	// socket is long-lived and must not share it.
	r.Mount("/api", api.NewRouter(o, cfg.APIKey, cfg.RequestTimeout))
	r.Handle(cfg.WSPath, remote.WSHandler(o.Registry(), cfg.WorkerKey))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))

	return r
}
