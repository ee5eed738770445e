// Package fallback keeps requests answerable when the pool degrades: it
// walks an ordered fallback sequence under a single shrinking grace period
// and, as a last resort, serves a bounded-age cached response marked stale.
package fallback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/logx"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/store"
)

// ErrAllBackendsUnavailable means the sequence is exhausted and no usable
// cache entry exists. Safe for the caller to retry later.
var ErrAllBackendsUnavailable = errors.New("all backends unavailable")

// Manager walks the configured fallback path.
type Manager struct {
	reg  *registry.Registry
	rtr  *router.Router
	st   store.Store
	cfg  func() *config.Config
	sink events.Sink
	now  func() time.Time
}

func New(reg *registry.Registry, rtr *router.Router, st store.Store, cfg func() *config.Config, sink events.Sink) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Manager{reg: reg, rtr: rtr, st: st, cfg: cfg, sink: sink, now: time.Now}
}

// CacheKey derives the semantic-equivalence key for a request: task type plus
// whitespace-collapsed, case-folded payload.
func CacheKey(req backend.Request) string {
	norm := strings.Join(strings.Fields(strings.ToLower(req.Payload)), " ")
	sum := sha256.Sum256([]byte(string(req.Context.TaskType) + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}

// ResolveWithFallback tries the router's top pick, then each configured
// fallback entry in order. The whole walk shares one grace period; each
// attempt gets an equal share of whatever remains. When everything fails, a
// cached response within the offline cache age is returned tagged stale.
func (m *Manager) ResolveWithFallback(ctx context.Context, req backend.Request) (backend.Response, error) {
	cfg := m.cfg()
	deadline := m.now().Add(cfg.Fallback.GracePeriod())

	var failed []backend.ID

	if rec, err := m.rtr.Select(req.Context, nil); err == nil {
		resp, err := m.attempt(ctx, rec.Backend, req, deadline.Sub(m.now()))
		if err == nil {
			m.finish(ctx, resp, req, failed)
			return resp, nil
		}
		failed = append(failed, rec.Backend)
	}

	seq := m.sequence(failed)
	for i, id := range seq {
		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			break
		}
		share := remaining / time.Duration(len(seq)-i)
		resp, err := m.attempt(ctx, id, req, share)
		if err != nil {
			failed = append(failed, id)
			continue
		}
		m.finish(ctx, resp, req, failed)
		return resp, nil
	}

	key := CacheKey(req)
	if c, ok, err := m.st.LoadOfflineCache(ctx, key); err == nil && ok {
		if m.now().Sub(c.StoredAt) <= cfg.Fallback.OfflineCacheDuration() {
			resp := c.Response
			resp.Stale = true
			logx.Log.Warn().Str("cache_key", key).Msg("serving stale cached response")
			return resp, nil
		}
	}
	return backend.Response{}, ErrAllBackendsUnavailable
}

// sequence resolves the configured fallback names to IDs, dropping entries
// already attempted or not registered.
func (m *Manager) sequence(failed []backend.ID) []backend.ID {
	tried := make(map[backend.ID]bool, len(failed))
	for _, id := range failed {
		tried[id] = true
	}
	var seq []backend.ID
	for _, name := range m.cfg().Fallback.Sequence {
		id, ok := m.reg.IDByName(name)
		if !ok {
			if iid, err := m.reg.Lookup(backend.ID(name)); err == nil {
				id = iid.ID
				ok = true
			}
		}
		if ok && !tried[id] {
			seq = append(seq, id)
		}
	}
	return seq
}

// attempt invokes one backend with its time share and records the outcome.
// Backends already classified Unhealthy or Offline are skipped outright.
func (m *Manager) attempt(ctx context.Context, id backend.ID, req backend.Request, share time.Duration) (backend.Response, error) {
	if share <= 0 {
		return backend.Response{}, context.DeadlineExceeded
	}
	st, err := m.reg.Status(id)
	if err != nil {
		return backend.Response{}, err
	}
	if st == backend.StatusUnhealthy || st == backend.StatusOffline {
		return backend.Response{}, ErrAllBackendsUnavailable
	}
	impl, err := m.reg.Backend(id)
	if err != nil {
		return backend.Response{}, err
	}

	actx, cancel := context.WithTimeout(ctx, share)
	defer cancel()

	_ = m.reg.IncInFlight(id)
	start := m.now()
	ans, err := impl.Invoke(actx, req.Payload)
	elapsed := m.now().Sub(start)
	m.reg.DecInFlight(id)
	_ = m.reg.RecordOutcome(id, elapsed, err == nil)
	m.sink.RequestCompleted(id, req.Context.TaskType, elapsed, err)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{
		Answer:     ans.Text,
		Confidence: ans.Confidence,
		Backend:    id,
		ServedAt:   m.now(),
	}, nil
}

// finish caches the successful response and downgrades OfflineStatus for
// every backend skipped on the way, so later routing reflects the outage.
func (m *Manager) finish(ctx context.Context, resp backend.Response, req backend.Request, skipped []backend.ID) {
	key := CacheKey(req)
	if err := m.st.StoreOfflineCache(ctx, key, resp); err != nil {
		logx.Log.Warn().Err(err).Msg("offline cache write failed")
	}
	now := m.now()

	served, _, _ := m.st.LoadOfflineStatus(ctx, resp.Backend)
	served.Backend = resp.Backend
	served.CacheAvailable = true
	served.CacheSizeBytes += int64(len(resp.Answer))
	served.LastSync = now
	served.OfflineCapability = 0.9*served.OfflineCapability + 0.1
	_ = m.st.SaveOfflineStatus(ctx, served)

	for _, id := range skipped {
		st, _, _ := m.st.LoadOfflineStatus(ctx, id)
		st.Backend = id
		st.OfflineCapability *= 0.5
		_ = m.st.SaveOfflineStatus(ctx, st)
		logx.Log.Info().Str("backend_id", string(id)).Msg("backend skipped during fallback")
	}
}
