package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/orchestrator"
)

// requestBody is the wire form of an orchestration request.
type requestBody struct {
	TaskType            string `json:"task_type"`
	InputLength         int    `json:"input_length"`
	Priority            string `json:"priority"`
	Complexity          string `json:"complexity"`
	AcceptableLatencyMS int64  `json:"acceptable_latency_ms"`
	PreferredHardware   string `json:"preferred_hardware"`
	RequireConsensus    bool   `json:"require_consensus"`
	Payload             string `json:"payload"`
}

func parsePriority(s string) backend.Priority {
	switch s {
	case "critical":
		return backend.PriorityCritical
	case "high":
		return backend.PriorityHigh
	case "low":
		return backend.PriorityLow
	default:
		return backend.PriorityMedium
	}
}

func parseComplexity(s string) backend.Complexity {
	switch s {
	case "complex":
		return backend.ComplexityComplex
	case "medium":
		return backend.ComplexityMedium
	default:
		return backend.ComplexitySimple
	}
}

func (b requestBody) toRequest() backend.Request {
	return backend.Request{
		Context: backend.RequestContext{
			TaskType:          backend.TaskType(b.TaskType),
			InputLength:       b.InputLength,
			Priority:          parsePriority(b.Priority),
			Complexity:        parseComplexity(b.Complexity),
			AcceptableLatency: time.Duration(b.AcceptableLatencyMS) * time.Millisecond,
			PreferredHardware: backend.Hardware(b.PreferredHardware),
			RequireConsensus:  b.RequireConsensus,
		},
		Payload: b.Payload,
	}
}

type errorBody struct {
	Error  string                         `json:"error"`
	Stage  string                         `json:"stage,omitempty"`
	Health map[backend.ID]backend.Metrics `json:"health,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	body := errorBody{Error: err.Error()}
	var oerr *orchestrator.Error
	if errors.As(err, &oerr) {
		body.Stage = oerr.Stage
		body.Health = oerr.Health
		switch {
		case oerr.Stage == orchestrator.StageValidation:
			status = http.StatusBadRequest
		case errors.Is(err, orchestrator.ErrInsufficientCapacity):
			status = http.StatusServiceUnavailable
		}
	}
	if errors.Is(err, orchestrator.ErrTimeout) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, body)
}

// RequestHandler handles POST /api/requests.
func RequestHandler(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
			return
		}
		resp, err := o.Handle(r.Context(), body.toRequest())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// BackendsHandler handles GET /api/backends.
func BackendsHandler(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, o.Registry().List())
	}
}

// SwitchesHandler handles GET /api/switches with optional role and limit
// query parameters.
func SwitchesHandler(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := r.URL.Query().Get("role")
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		evs, err := o.Store().SwitchEvents(r.Context(), role, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, evs)
	}
}

// ConfigHandler serves GET and PUT for the engine config. PUT validates the
// document and swaps it atomically; the previous config stays active on
// failure.
func ConfigHandler(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			doc, err := yaml.Marshal(o.Config())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(doc)
		case http.MethodPut:
			doc, err := io.ReadAll(r.Body)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
				return
			}
			if err := o.Reload(r.Context(), doc); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
