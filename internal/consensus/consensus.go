// Package consensus fans a request out to several healthy backends under one
// shared deadline and reconciles their answers into a single trusted result.
package consensus

import (
	"context"
	"errors"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/logx"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/router"
)

// ErrQuorumNotReached is returned when fewer backends than
// min_models_for_consensus could be selected or responded in time.
var ErrQuorumNotReached = errors.New("quorum not reached")

// Coordinator drives the consensus path.
type Coordinator struct {
	reg *registry.Registry
	rtr *router.Router
	cfg func() *config.Config
}

func New(reg *registry.Registry, rtr *router.Router, cfg func() *config.Config) *Coordinator {
	return &Coordinator{reg: reg, rtr: rtr, cfg: cfg}
}

type invocation struct {
	id     backend.ID
	answer backend.Answer
	err    error
}

// Resolve selects min_models_for_consensus distinct backends via the router
// (re-scoring after each exclusion), invokes them concurrently under a shared
// deadline, and combines the answers with the configured voting mechanism.
// Responders that error or miss the deadline lower the effective quorum. The
// attempted backend IDs are returned alongside any error so the caller can
// report their health.
func (c *Coordinator) Resolve(ctx context.Context, req backend.Request) (Result, []backend.ID, error) {
	cfg := c.cfg()
	need := cfg.Consensus.MinModels

	ids, err := c.pick(req.Context, need)
	if err != nil {
		return Result{}, ids, err
	}

	deadline := cfg.Consensus.Timeout()
	if b := req.Context.AcceptableLatency; b > 0 && b < deadline {
		deadline = b
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Buffered so abandoned calls can finish in the background; their
	// results are discarded, not awaited.
	results := make(chan invocation, len(ids))
	for _, id := range ids {
		impl, err := c.reg.Backend(id)
		if err != nil {
			results <- invocation{id: id, err: err}
			continue
		}
		_ = c.reg.IncInFlight(id)
		go func(id backend.ID, impl backend.Backend) {
			start := time.Now()
			ans, err := impl.Invoke(cctx, req.Payload)
			_ = c.reg.RecordOutcome(id, time.Since(start), err == nil)
			c.reg.DecInFlight(id)
			results <- invocation{id: id, answer: ans, err: err}
		}(id, impl)
	}

	contribs := c.collect(cctx, results, len(ids))
	if len(contribs) < need {
		return Result{}, ids, ErrQuorumNotReached
	}

	res := StrategyFor(cfg.Consensus.Mechanism).Score(contribs)
	res.Disagreement = disagreement(contribs, res.FinalAnswer)
	if res.Disagreement > cfg.Consensus.DisagreementTolerance &&
		res.Confidence < cfg.Consensus.ConfidenceThreshold {
		// Advisory only: the caller decides whether to retry or warn.
		res.LowConfidence = true
	}
	// Contributors are credited against the reconciled answer so the rolling
	// accuracy score reflects how often a backend agrees with the pool.
	for id, contrib := range res.Contributions {
		credit := 0.0
		if contrib.Answer == res.FinalAnswer {
			credit = 1
		}
		_ = c.reg.RecordAccuracy(id, credit)
	}
	return res, ids, nil
}

// collect receives up to n invocation results. When the shared deadline
// fires, calls still running are abandoned, but results already buffered at
// that point still count toward the quorum.
func (c *Coordinator) collect(cctx context.Context, results <-chan invocation, n int) []Contribution {
	var contribs []Contribution
	add := func(inv invocation) {
		if inv.err != nil {
			logx.Log.Debug().Str("backend_id", string(inv.id)).Err(inv.err).Msg("consensus contributor failed")
			return
		}
		m, _ := c.reg.Snapshot(inv.id)
		contribs = append(contribs, Contribution{
			Backend:    inv.id,
			Answer:     Normalize(inv.answer.Text),
			Confidence: inv.answer.Confidence,
			Accuracy:   m.AccuracyScore,
		})
	}
	for i := 0; i < n; i++ {
		select {
		case <-cctx.Done():
			for {
				select {
				case inv := <-results:
					add(inv)
				default:
					return contribs
				}
			}
		case inv := <-results:
			add(inv)
		}
	}
	return contribs
}

// pick selects n distinct backends, re-running the router with the already
// chosen ones excluded so each pick reflects updated scores.
func (c *Coordinator) pick(rc backend.RequestContext, n int) ([]backend.ID, error) {
	var (
		ids    []backend.ID
		chosen = make(map[backend.ID]bool)
	)
	for len(ids) < n {
		remaining := make([]backend.ID, 0)
		for _, info := range c.reg.List() {
			if !chosen[info.ID] {
				remaining = append(remaining, info.ID)
			}
		}
		rec, err := c.rtr.Select(rc, remaining)
		if err != nil {
			return nil, ErrQuorumNotReached
		}
		chosen[rec.Backend] = true
		ids = append(ids, rec.Backend)
	}
	return ids, nil
}
