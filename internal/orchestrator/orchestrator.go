// Package orchestrator is the engine façade. It validates request contexts,
// decides between the single-backend and consensus paths, applies the
// per-role primary mapping, falls back when the pool degrades, and records
// every outcome into the health registry before returning.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/capacity"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/consensus"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/fallback"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/switcher"
)

// ErrTimeout marks a deadline expiry on an invocation or probe. Retriable.
var ErrTimeout = errors.New("timeout")

// ErrInsufficientCapacity means the host lacks headroom for the request.
// Retriable once load drops.
var ErrInsufficientCapacity = errors.New("insufficient capacity")

// Stages a failure can originate from, carried on every Error so callers can
// explain the decision.
const (
	StageValidation = "validation"
	StageCapacity   = "capacity"
	StageRouting    = "routing"
	StageConsensus  = "consensus"
	StageFallback   = "fallback"
)

// Error is the typed failure returned by Handle. It names the stage that
// produced it and carries the last-known health snapshots of every backend
// attempted on the way.
type Error struct {
	Stage  string
	Err    error
	Health map[backend.ID]backend.Metrics
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Orchestrator wires the engine components together behind Handle.
type Orchestrator struct {
	cfg  atomic.Pointer[config.Config]
	reg  *registry.Registry
	rtr  *router.Router
	cons *consensus.Coordinator
	sw   *switcher.Controller
	fb   *fallback.Manager
	st   store.Store
	sink events.Sink
	cap  *capacity.Monitor
}

// New builds an engine over the given store and event sink using initial as
// the active config. Reload swaps the config atomically afterwards.
func New(st store.Store, sink events.Sink, initial *config.Config) *Orchestrator {
	if sink == nil {
		sink = events.NopSink{}
	}
	o := &Orchestrator{st: st, sink: sink}
	o.cfg.Store(initial)
	getter := o.Config
	o.reg = registry.New(getter, sink)
	o.rtr = router.New(o.reg, getter)
	o.cons = consensus.New(o.reg, o.rtr, getter)
	o.sw = switcher.New(o.reg, getter, st, sink)
	o.fb = fallback.New(o.reg, o.rtr, st, getter, sink)
	return o
}

// Config returns the active config. In-flight requests keep whatever
// snapshot they loaded; reloads never mutate a published tree.
func (o *Orchestrator) Config() *config.Config { return o.cfg.Load() }

// Reload validates a new config document, persists it, and swaps it in
// atomically. On validation or store failure the previous config stays
// active.
func (o *Orchestrator) Reload(ctx context.Context, doc []byte) error {
	cfg, err := config.Load(doc)
	if err != nil {
		return err
	}
	if err := o.st.SaveConfig(ctx, doc); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	o.cfg.Store(cfg)
	return nil
}

// Registry exposes the health registry for registration and status surfaces.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Router exposes the request router.
func (o *Orchestrator) Router() *router.Router { return o.rtr }

// Switcher exposes the switch controller.
func (o *Orchestrator) Switcher() *switcher.Controller { return o.sw }

// Store exposes the persistence boundary.
func (o *Orchestrator) Store() store.Store { return o.st }

// SetCapacity enables the host capacity gate.
func (o *Orchestrator) SetCapacity(m *capacity.Monitor) { o.cap = m }

// Handle is the single entry point: route, invoke, reconcile, fall back.
func (o *Orchestrator) Handle(ctx context.Context, req backend.Request) (backend.Response, error) {
	start := time.Now()
	path := "single"
	if o.useConsensus(req.Context) {
		path = "consensus"
	}

	resp, err := o.handle(ctx, req, path)
	metrics.RecordRequest(path, err == nil)
	metrics.ObserveRequestDuration(path, time.Since(start))
	return resp, err
}

func (o *Orchestrator) useConsensus(rc backend.RequestContext) bool {
	return rc.RequireConsensus || rc.Complexity == backend.ComplexityComplex
}

func (o *Orchestrator) handle(ctx context.Context, req backend.Request, path string) (backend.Response, error) {
	if err := req.Context.Validate(); err != nil {
		return backend.Response{}, &Error{Stage: StageValidation, Err: err}
	}
	if o.cap != nil && !o.cap.Allow(req.Context) {
		return backend.Response{}, &Error{Stage: StageCapacity, Err: ErrInsufficientCapacity}
	}

	// Exceeding the caller's budget is a timeout, not best-effort waiting.
	if b := req.Context.AcceptableLatency; b > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b)
		defer cancel()
	}

	role := switcher.RoleFor(req.Context.TaskType)
	var (
		resp      backend.Response
		err       error
		attempted []backend.ID
	)

	if path == "consensus" {
		var res consensus.Result
		res, attempted, err = o.cons.Resolve(ctx, req)
		if err == nil {
			metrics.ObserveDisagreement(res.Disagreement)
			resp = backend.Response{
				Answer:     res.FinalAnswer,
				Confidence: res.Confidence,
				Backend:    res.PrimaryBackend,
				ServedAt:   time.Now(),
			}
		}
	} else {
		resp, attempted, err = o.single(ctx, req, role)
	}

	if err != nil {
		// Failures on either path delegate to the fallback walk; an error
		// reaches the caller only once every recovery path is exhausted.
		fresp, ferr := o.fb.ResolveWithFallback(ctx, req)
		metrics.ObserveFallbackDepth(len(attempted) + 1)
		if ferr != nil {
			o.sw.Evaluate(ctx, role)
			return backend.Response{}, o.fail(err, ferr, attempted)
		}
		resp = fresp
	}

	if _, ok := o.sw.Primary(role); !ok && resp.Backend != "" {
		o.sw.SetPrimary(role, resp.Backend)
	}
	o.sw.Evaluate(ctx, role)

	if h, herr := o.reg.IsHealthy(resp.Backend); herr == nil {
		metrics.SetBackendHealthy(string(resp.Backend), h)
	}
	return resp, nil
}

// single runs the non-consensus path: prefer the role's primary when it is
// fit for the request, otherwise ask the router.
func (o *Orchestrator) single(ctx context.Context, req backend.Request, role string) (backend.Response, []backend.ID, error) {
	var attempted []backend.ID

	id, ok := o.primaryFor(role, req.Context)
	if !ok {
		rec, err := o.rtr.Select(req.Context, nil)
		if err != nil {
			return backend.Response{}, attempted, err
		}
		id = rec.Backend
	}

	attempted = append(attempted, id)
	resp, err := o.invoke(ctx, id, req)
	if err != nil {
		return backend.Response{}, attempted, err
	}
	return resp, attempted, nil
}

// primaryFor returns the role's primary if it is currently fit to serve the
// request.
func (o *Orchestrator) primaryFor(role string, rc backend.RequestContext) (backend.ID, bool) {
	id, ok := o.sw.Primary(role)
	if !ok {
		return "", false
	}
	info, err := o.reg.Lookup(id)
	if err != nil {
		return "", false
	}
	if info.Status != backend.StatusAvailable || !info.Capability.Fits(rc) {
		return "", false
	}
	return id, true
}

// invoke runs one backend call and records the outcome, success or failure,
// before returning.
func (o *Orchestrator) invoke(ctx context.Context, id backend.ID, req backend.Request) (backend.Response, error) {
	impl, err := o.reg.Backend(id)
	if err != nil {
		return backend.Response{}, err
	}
	_ = o.reg.IncInFlight(id)
	start := time.Now()
	ans, err := impl.Invoke(ctx, req.Payload)
	elapsed := time.Since(start)
	o.reg.DecInFlight(id)
	_ = o.reg.RecordOutcome(id, elapsed, err == nil)
	o.sink.RequestCompleted(id, req.Context.TaskType, elapsed, err)
	metrics.RecordBackendRequest(string(id), err == nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return backend.Response{}, err
	}
	return backend.Response{
		Answer:     ans.Text,
		Confidence: ans.Confidence,
		Backend:    id,
		ServedAt:   time.Now(),
	}, nil
}

// fail assembles the explainable failure once every recovery path is
// exhausted: the fallback error wins (it is the last recovery attempt),
// unless the original failure explains more than the exhausted walk does.
func (o *Orchestrator) fail(cause, fallbackErr error, attempted []backend.ID) *Error {
	health := make(map[backend.ID]backend.Metrics, len(attempted))
	for _, id := range attempted {
		if m, err := o.reg.Snapshot(id); err == nil {
			health[id] = m
		}
	}
	err := fallbackErr
	stage := StageFallback
	switch {
	case errors.Is(cause, consensus.ErrQuorumNotReached):
		err = fmt.Errorf("%w (fallback: %w)", cause, fallbackErr)
		stage = StageConsensus
	case errors.Is(fallbackErr, fallback.ErrAllBackendsUnavailable) && errors.Is(cause, router.ErrNoEligibleBackend):
		err = fmt.Errorf("%w (fallback: %w)", cause, fallbackErr)
		stage = StageRouting
	}
	return &Error{Stage: stage, Err: err, Health: health}
}
