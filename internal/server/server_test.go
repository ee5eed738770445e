package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/store"
)

func TestServerRoutes(t *testing.T) {
	o := orchestrator.New(store.NewMemory(), nil, config.Default())
	var scfg config.ServerConfig
	scfg.WSPath = "/api/backends/connect"
	h := New(o, scfg)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "modelmux_") {
		t.Fatalf("metrics output missing engine collectors")
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/backends", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("api backends = %d", w.Code)
	}
}
