// Package registry tracks per-backend rolling metrics and derives health
// classification from them. It is the only mutable state shared across
// concurrent requests; entries carry their own locks so a slow backend never
// blocks metric updates for the others.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/logx"
)

// ErrNotFound is returned for operations against an unknown backend ID. It
// signals a registration bug and is not retriable.
var ErrNotFound = errors.New("backend not found")

// emaDecay is the weight kept from the previous rolling value on each new
// observation.
const emaDecay = 0.9

// probeTimeout bounds a single health probe.
const probeTimeout = 5 * time.Second

type entry struct {
	mu             sync.Mutex
	id             backend.ID
	name           string
	cap            backend.Capability
	impl           backend.Backend
	registeredAt   time.Time
	probed         bool
	maxConcurrency int
	inFlight       int
	metrics        backend.Metrics
	lastStatus     backend.Status
}

// Info is a consistent point-in-time view of one backend.
type Info struct {
	ID             backend.ID         `json:"id"`
	Name           string             `json:"name"`
	Capability     backend.Capability `json:"capability"`
	Status         backend.Status     `json:"status"`
	Metrics        backend.Metrics    `json:"metrics"`
	InFlight       int                `json:"in_flight"`
	MaxConcurrency int                `json:"max_concurrency"`
}

// LoadFactor returns in-flight work over capacity.
func (i Info) LoadFactor() float64 {
	if i.MaxConcurrency <= 0 {
		return 0
	}
	return float64(i.InFlight) / float64(i.MaxConcurrency)
}

// Registry is the ModelHealthRegistry. The outer lock guards only the map;
// per-entry locks guard metrics, so updates for different backends never
// contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[backend.ID]*entry

	cfg  func() *config.Config
	sink events.Sink
	now  func() time.Time
}

// New constructs a registry. The config getter is consulted on every health
// classification so reloads take effect immediately.
func New(cfg func() *config.Config, sink events.Sink) *Registry {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Registry{
		entries: make(map[backend.ID]*entry),
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
	}
}

// Register adds a backend to the pool and assigns it a fresh ID. New
// backends start warming up until their first successful probe or
// invocation. maxConcurrency <= 0 uses the configured default.
func (r *Registry) Register(name string, cap backend.Capability, impl backend.Backend, maxConcurrency int) backend.ID {
	if maxConcurrency <= 0 {
		maxConcurrency = r.cfg().LoadBalancing.MaxConcurrentRequests
	}
	e := &entry{
		id:             backend.NewID(),
		name:           name,
		cap:            cap,
		impl:           impl,
		registeredAt:   r.now(),
		maxConcurrency: maxConcurrency,
		metrics: backend.Metrics{
			AccuracyScore: 0.5,
			LastUpdated:   r.now(),
		},
		lastStatus: backend.StatusWarmingUp,
	}
	r.mu.Lock()
	r.entries[e.id] = e
	r.mu.Unlock()
	logx.Log.Info().Str("backend_id", string(e.id)).Str("name", name).Msg("backend registered")
	return e.id
}

// Deregister removes a backend from the pool.
func (r *Registry) Deregister(id backend.ID) error {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	logx.Log.Info().Str("backend_id", string(id)).Msg("backend deregistered")
	return nil
}

func (r *Registry) get(id backend.ID) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return e, ok
}

// Backend returns the invocable capability for an ID.
func (r *Registry) Backend(id backend.ID) (backend.Backend, error) {
	e, ok := r.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.impl, nil
}

// RecordOutcome folds one completed or failed invocation into the rolling
// metrics. Latency participates in the EMA whenever it is positive; counters
// always advance, so error_count never exceeds request_count.
func (r *Registry) RecordOutcome(id backend.ID, latency time.Duration, success bool) error {
	e, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	cfg := r.cfg()
	e.mu.Lock()
	m := &e.metrics
	m.RequestCount++
	if !success {
		m.ErrorCount++
	}
	if ms := float64(latency.Milliseconds()); ms > 0 {
		if m.LatencyMS == 0 {
			m.LatencyMS = ms
		} else {
			m.LatencyMS = emaDecay*m.LatencyMS + (1-emaDecay)*ms
		}
	}
	m.LastUpdated = r.now()
	if success {
		e.probed = true
	}
	r.notifyLocked(e, cfg)
	e.mu.Unlock()
	return nil
}

// RecordAccuracy folds an observed accuracy sample into the rolling score.
func (r *Registry) RecordAccuracy(id backend.ID, score float64) error {
	e, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	e.mu.Lock()
	e.metrics.AccuracyScore = emaDecay*e.metrics.AccuracyScore + (1-emaDecay)*score
	e.mu.Unlock()
	return nil
}

// RecordResources updates the resource usage attributed to a backend. Fed by
// the capacity sampler for locally hosted backends.
func (r *Registry) RecordResources(id backend.ID, memoryMB, cpuPercent float64) error {
	e, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	e.metrics.MemoryMB = memoryMB
	e.metrics.CPUPercent = cpuPercent
	e.mu.Unlock()
	return nil
}

// Snapshot returns a consistent copy of a backend's metrics.
func (r *Registry) Snapshot(id backend.ID) (backend.Metrics, error) {
	e, ok := r.get(id)
	if !ok {
		return backend.Metrics{}, ErrNotFound
	}
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	return m, nil
}

// IsHealthy applies the health contract: fresh metrics, latency under the
// ceiling, error rate under the ceiling.
func (r *Registry) IsHealthy(id backend.ID) (bool, error) {
	e, ok := r.get(id)
	if !ok {
		return false, ErrNotFound
	}
	cfg := r.cfg()
	e.mu.Lock()
	h := healthyLocked(&e.metrics, cfg, r.now())
	e.mu.Unlock()
	return h, nil
}

func healthyLocked(m *backend.Metrics, cfg *config.Config, now time.Time) bool {
	if m.LatencyMS >= cfg.Performance.MaxLatencyMS {
		return false
	}
	if m.ErrorRate() >= cfg.Performance.ErrorRateCeiling {
		return false
	}
	if now.Sub(m.LastUpdated) >= cfg.Performance.StalenessWindow() {
		return false
	}
	return true
}

// Status derives the backend's classification from its current metrics.
func (r *Registry) Status(id backend.ID) (backend.Status, error) {
	e, ok := r.get(id)
	if !ok {
		return "", ErrNotFound
	}
	cfg := r.cfg()
	e.mu.Lock()
	st := e.statusLocked(cfg, r.now())
	e.mu.Unlock()
	return st, nil
}

func (e *entry) statusLocked(cfg *config.Config, now time.Time) backend.Status {
	m := &e.metrics
	if !e.probed && m.RequestCount == 0 {
		return backend.StatusWarmingUp
	}
	if now.Sub(m.LastUpdated) >= 2*cfg.Performance.StalenessWindow() {
		return backend.StatusOffline
	}
	if !healthyLocked(m, cfg, now) {
		return backend.StatusUnhealthy
	}
	if e.maxConcurrency > 0 &&
		float64(e.inFlight)/float64(e.maxConcurrency) >= cfg.LoadBalancing.OverloadThreshold {
		return backend.StatusBusy
	}
	return backend.StatusAvailable
}

// notifyLocked emits a HealthChanged event when the derived status moved.
// Callers hold the entry lock.
func (r *Registry) notifyLocked(e *entry, cfg *config.Config) {
	st := e.statusLocked(cfg, r.now())
	if st != e.lastStatus {
		from := e.lastStatus
		e.lastStatus = st
		r.sink.HealthChanged(e.id, from, st)
	}
}

// IncInFlight reserves one slot of a backend's capacity.
func (r *Registry) IncInFlight(id backend.ID) error {
	e, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
	return nil
}

// DecInFlight releases a previously reserved slot.
func (r *Registry) DecInFlight(id backend.ID) {
	e, ok := r.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.mu.Unlock()
}

// Lookup returns the point-in-time view for one backend.
func (r *Registry) Lookup(id backend.ID) (Info, error) {
	e, ok := r.get(id)
	if !ok {
		return Info{}, ErrNotFound
	}
	cfg := r.cfg()
	return r.infoOf(e, cfg), nil
}

func (r *Registry) infoOf(e *entry, cfg *config.Config) Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		ID:             e.id,
		Name:           e.name,
		Capability:     e.cap,
		Status:         e.statusLocked(cfg, r.now()),
		Metrics:        e.metrics,
		InFlight:       e.inFlight,
		MaxConcurrency: e.maxConcurrency,
	}
}

// List returns snapshots of every backend, ordered by ID for determinism.
func (r *Registry) List() []Info {
	cfg := r.cfg()
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(es))
	for _, e := range es {
		infos = append(infos, r.infoOf(e, cfg))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// IDByName resolves a registered backend name to its ID. Names are how the
// fallback sequence refers to backends in config.
func (r *Registry) IDByName(name string) (backend.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.entries {
		if e.name == name {
			return id, true
		}
	}
	return "", false
}

// ProbeAll health-probes every backend concurrently and records the outcome,
// keeping LastUpdated fresh for idle backends.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range es {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			start := r.now()
			err := e.impl.HealthProbe(pctx)
			_ = r.RecordOutcome(e.id, r.now().Sub(start), err == nil)
			if err != nil {
				logx.Log.Debug().Str("backend_id", string(e.id)).Err(err).Msg("probe failed")
			}
		}(e)
	}
	wg.Wait()
}

// StartProbing runs an immediate probe sweep and then one per interval until
// ctx is done. The immediate sweep moves fresh backends out of WarmingUp
// without waiting a full interval.
func (r *Registry) StartProbing(ctx context.Context, interval time.Duration) {
	go func() {
		r.ProbeAll(ctx)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.ProbeAll(ctx)
			}
		}
	}()
}
