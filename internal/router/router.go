// Package router scores eligible backends for a request and picks the best
// one. Selection only reads registry snapshots; it never blocks on the
// network.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/registry"
)

// ErrNoEligibleBackend is returned when no candidate passes the eligibility
// filter. Retriable once the pool recovers.
var ErrNoEligibleBackend = errors.New("no eligible backend")

// historyLimit bounds the in-memory recommendation history.
const historyLimit = 100

// Recommendation is the ephemeral routing decision for one request.
type Recommendation struct {
	Backend         backend.ID    `json:"backend"`
	Confidence      float64       `json:"confidence"`
	ExpectedLatency time.Duration `json:"expected_latency"`
	QueueEstimate   time.Duration `json:"queue_estimate"`
	CostEstimate    float64       `json:"cost_estimate"`
	Reason          string        `json:"reason"`
}

// Router selects backends by weighted score over registry snapshots.
type Router struct {
	reg *registry.Registry
	cfg func() *config.Config

	mu      sync.Mutex
	history []Recommendation
}

func New(reg *registry.Registry, cfg func() *config.Config) *Router {
	return &Router{reg: reg, cfg: cfg}
}

// Select picks the top-scoring backend for the request among candidates.
// A nil candidate list means the whole pool. Backends that are not
// Available, lack the capability, sit at or above the overload threshold,
// or have a full queue are excluded before scoring.
func (rt *Router) Select(rc backend.RequestContext, candidates []backend.ID) (Recommendation, error) {
	cfg := rt.cfg()
	infos := rt.reg.List()
	if candidates != nil {
		allowed := make(map[backend.ID]bool, len(candidates))
		for _, id := range candidates {
			allowed[id] = true
		}
		kept := infos[:0]
		for _, info := range infos {
			if allowed[info.ID] {
				kept = append(kept, info)
			}
		}
		infos = kept
	}

	type scored struct {
		info  registry.Info
		score float64
	}
	var eligible []scored
	for _, info := range infos {
		if info.Status != backend.StatusAvailable {
			continue
		}
		if !info.Capability.Fits(rc) {
			continue
		}
		// Overload excludes, it does not merely penalize.
		if info.LoadFactor() >= cfg.LoadBalancing.OverloadThreshold {
			continue
		}
		if info.InFlight >= cfg.LoadBalancing.QueueCapacity {
			continue
		}
		eligible = append(eligible, scored{info: info, score: score(rc, info, cfg)})
	}
	if len(eligible) == 0 {
		return Recommendation{}, ErrNoEligibleBackend
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.info.InFlight != b.info.InFlight {
			return a.info.InFlight < b.info.InFlight
		}
		return a.info.ID < b.info.ID
	})

	best := eligible[0]
	ema := time.Duration(best.info.Metrics.LatencyMS) * time.Millisecond
	rec := Recommendation{
		Backend:         best.info.ID,
		Confidence:      clamp01(best.score),
		ExpectedLatency: time.Duration(float64(ema) * (1 + best.info.LoadFactor())),
		QueueEstimate:   time.Duration(best.info.InFlight) * ema,
		CostEstimate:    1 - clamp01(best.score),
		Reason: fmt.Sprintf("best of %d eligible for %s task at %s priority",
			len(eligible), rc.TaskType, rc.Priority),
	}
	rt.remember(rec)
	return rec, nil
}

// score computes the weighted sum from the configured weights:
// latency (inverted, normalized by the latency ceiling), rolling accuracy,
// and load headroom, minus a priority-mismatch penalty when the backend's
// EMA latency exceeds the caller's budget.
func score(rc backend.RequestContext, info registry.Info, cfg *config.Config) float64 {
	w := cfg.LoadBalancing.Weights
	normLatency := clamp01(info.Metrics.LatencyMS / cfg.Performance.MaxLatencyMS)
	s := w.Latency*(1-normLatency) +
		w.Accuracy*info.Metrics.AccuracyScore +
		w.Load*(1-info.LoadFactor())
	s -= priorityMismatchPenalty(rc, info)
	return s
}

// priorityMismatchPenalty charges backends too slow for the request's
// latency budget, scaled up for more urgent requests.
func priorityMismatchPenalty(rc backend.RequestContext, info registry.Info) float64 {
	if rc.AcceptableLatency <= 0 {
		return 0
	}
	budgetMS := float64(rc.AcceptableLatency.Milliseconds())
	if info.Metrics.LatencyMS <= budgetMS {
		return 0
	}
	over := clamp01(info.Metrics.LatencyMS/budgetMS - 1)
	return 0.2 * over * rc.Priority.Weight()
}

func (rt *Router) remember(rec Recommendation) {
	rt.mu.Lock()
	rt.history = append(rt.history, rec)
	if len(rt.history) > historyLimit {
		rt.history = rt.history[len(rt.history)-historyLimit:]
	}
	rt.mu.Unlock()
}

// History returns a copy of the recent recommendations, newest last.
func (rt *Router) History() []Recommendation {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]Recommendation, len(rt.history))
	copy(out, rt.history)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
