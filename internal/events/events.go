// Package events is the observability boundary. The engine emits structured
// lifecycle events to an injected Sink; the default sink writes through the
// shared zerolog logger.
package events

import (
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/logx"
)

// Sink receives engine lifecycle events.
type Sink interface {
	HealthChanged(id backend.ID, from, to backend.Status)
	SwitchCommitted(ev backend.SwitchEvent)
	RequestCompleted(id backend.ID, task backend.TaskType, d time.Duration, err error)
}

// LogSink emits events through the shared logger.
type LogSink struct{}

func (LogSink) HealthChanged(id backend.ID, from, to backend.Status) {
	logx.Log.Info().
		Str("backend_id", string(id)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("health changed")
}

func (LogSink) SwitchCommitted(ev backend.SwitchEvent) {
	logx.Log.Info().
		Str("role", ev.Role).
		Str("previous", string(ev.Previous)).
		Str("new", string(ev.New)).
		Str("reason", string(ev.Reason)).
		Float64("latency_delta_ms", ev.LatencyDeltaMS).
		Msg("primary switched")
}

func (LogSink) RequestCompleted(id backend.ID, task backend.TaskType, d time.Duration, err error) {
	e := logx.Log.Debug().
		Str("backend_id", string(id)).
		Str("task", string(task)).
		Dur("duration", d)
	if err != nil {
		e = e.Err(err)
	}
	e.Msg("request completed")
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) HealthChanged(backend.ID, backend.Status, backend.Status) {}
func (NopSink) SwitchCommitted(backend.SwitchEvent)                      {}
func (NopSink) RequestCompleted(backend.ID, backend.TaskType, time.Duration, error) {
}
