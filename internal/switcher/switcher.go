// Package switcher manages which backend holds the "primary" role for a
// task type. Switching is deliberately asymmetric: degradation moves a role
// into evaluation easily, but an actual switch requires a candidate to beat
// the incumbent by the hysteresis margin, and every commit starts a cooldown
// during which further switches for that role are refused.
package switcher

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/logx"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/registry"
)

// State of one role's switching machine.
type State int

const (
	StateStable State = iota
	StateEvaluating
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateEvaluating:
		return "evaluating"
	case StateCooldown:
		return "cooldown"
	default:
		return "stable"
	}
}

// Transition is the single authoritative transition function, independent of
// timing so it can be tested directly. It returns the next state and whether
// a switch commits on this step.
func Transition(st State, now, cooldownUntil time.Time, degraded, candidateBeats bool) (State, bool) {
	switch st {
	case StateCooldown:
		if now.Before(cooldownUntil) {
			return StateCooldown, false
		}
		return StateStable, false
	case StateEvaluating:
		if candidateBeats {
			return StateCooldown, true
		}
		if !degraded {
			return StateStable, false
		}
		return StateEvaluating, false
	default:
		if degraded {
			return StateEvaluating, false
		}
		return StateStable, false
	}
}

// Saver persists committed switch events. Satisfied by the store.
type Saver interface {
	SaveSwitchEvent(ctx context.Context, ev backend.SwitchEvent) error
}

type role struct {
	state         State
	primary       backend.ID
	cooldownUntil time.Time
}

// Controller watches health trends per role and commits at most one switch
// per role per cooldown window.
type Controller struct {
	mu    sync.Mutex
	roles map[string]*role

	reg   *registry.Registry
	cfg   func() *config.Config
	saver Saver
	sink  events.Sink
	now   func() time.Time
}

func New(reg *registry.Registry, cfg func() *config.Config, saver Saver, sink events.Sink) *Controller {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Controller{
		roles: make(map[string]*role),
		reg:   reg,
		cfg:   cfg,
		saver: saver,
		sink:  sink,
		now:   time.Now,
	}
}

// RoleFor names the primary role slot for a task type.
func RoleFor(t backend.TaskType) string { return "primary:" + string(t) }

// SetPrimary assigns the initial primary for a role without hysteresis.
func (c *Controller) SetPrimary(name string, id backend.ID) {
	c.mu.Lock()
	c.roles[name] = &role{state: StateStable, primary: id}
	c.mu.Unlock()
}

// Primary returns the current primary for a role, if any.
func (c *Controller) Primary(name string) (backend.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.roles[name]
	if !ok || r.primary == "" {
		return "", false
	}
	return r.primary, true
}

// StateOf reports the role's current machine state.
func (c *Controller) StateOf(name string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.roles[name]; ok {
		return r.state
	}
	return StateStable
}

// Evaluate runs one transition step for a role. Concurrent calls are safe:
// the check-then-set for a commit happens under the controller lock, so at
// most one switch commits per role per cooldown window no matter how many
// requests observe degradation at once.
func (c *Controller) Evaluate(ctx context.Context, name string) {
	cfg := c.cfg()

	c.mu.Lock()
	r, ok := c.roles[name]
	if !ok || r.primary == "" {
		c.mu.Unlock()
		return
	}
	primary := r.primary
	st := r.state
	cooldownUntil := r.cooldownUntil
	c.mu.Unlock()

	// Snapshot metrics outside the lock; a slow registry read must not
	// serialize unrelated roles.
	incumbent, err := c.reg.Snapshot(primary)
	if err != nil {
		return
	}
	healthy, _ := c.reg.IsHealthy(primary)

	degraded := !healthy ||
		incumbent.LatencyMS > cfg.Performance.TargetLatencyMS*cfg.Switching.HysteresisFactor

	candidate, candLatency, found := c.bestCandidate(primary)
	candidateBeats := found &&
		candLatency*cfg.Switching.HysteresisFactor < incumbent.LatencyMS

	now := c.now()
	next, commit := Transition(st, now, cooldownUntil, degraded, candidateBeats)

	c.mu.Lock()
	r, ok = c.roles[name]
	if !ok || r.primary != primary || r.state != st {
		// Another request already advanced this role.
		c.mu.Unlock()
		return
	}
	r.state = next
	if !commit {
		c.mu.Unlock()
		return
	}
	r.primary = candidate
	r.cooldownUntil = now.Add(cfg.Switching.CooldownDuration())
	c.mu.Unlock()

	reason := backend.ReasonPerformance
	if !healthy {
		reason = backend.ReasonFailure
	}
	ev := backend.SwitchEvent{
		Role:           name,
		Previous:       primary,
		New:            candidate,
		Reason:         reason,
		LatencyDeltaMS: incumbent.LatencyMS - candLatency,
		At:             now,
	}
	if err := c.saver.SaveSwitchEvent(ctx, ev); err != nil {
		logx.Log.Warn().Str("role", name).Err(err).Msg("switch event not persisted")
	}
	c.sink.SwitchCommitted(ev)
	metrics.RecordSwitch(name, string(reason))
}

// bestCandidate returns the healthy backend with the lowest EMA latency,
// excluding the incumbent and anything without an observed sample yet.
func (c *Controller) bestCandidate(exclude backend.ID) (backend.ID, float64, bool) {
	var (
		id      backend.ID
		latency float64
		found   bool
	)
	for _, info := range c.reg.List() {
		if info.ID == exclude {
			continue
		}
		if info.Status != backend.StatusAvailable {
			continue
		}
		if info.Metrics.RequestCount == 0 || info.Metrics.LatencyMS == 0 {
			continue
		}
		if !found || info.Metrics.LatencyMS < latency {
			id = info.ID
			latency = info.Metrics.LatencyMS
			found = true
		}
	}
	return id, latency, found
}
