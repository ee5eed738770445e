package registry

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
)

func okBackend() backend.Backend {
	return backend.Func{
		InvokeFn: func(ctx context.Context, payload string) (backend.Answer, error) {
			return backend.Answer{Text: "ok", Confidence: 0.9}, nil
		},
	}
}

func newTestRegistry() *Registry {
	cfg := config.Default()
	return New(func() *config.Config { return cfg }, nil)
}

func TestRegisterStartsWarmingUp(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("local", backend.Capability{Tasks: []backend.TaskType{backend.TaskChat}}, okBackend(), 0)

	st, err := r.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st != backend.StatusWarmingUp {
		t.Fatalf("status = %s, want warming_up", st)
	}

	if err := r.RecordOutcome(id, 50*time.Millisecond, true); err != nil {
		t.Fatalf("record: %v", err)
	}
	st, _ = r.Status(id)
	if st != backend.StatusAvailable {
		t.Fatalf("status after first success = %s, want available", st)
	}
}

func TestLatencyEMA(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("local", backend.Capability{}, okBackend(), 0)

	_ = r.RecordOutcome(id, 100*time.Millisecond, true)
	m, _ := r.Snapshot(id)
	if m.LatencyMS != 100 {
		t.Fatalf("first sample = %v, want 100", m.LatencyMS)
	}

	_ = r.RecordOutcome(id, 200*time.Millisecond, true)
	m, _ = r.Snapshot(id)
	if math.Abs(m.LatencyMS-110) > 1e-9 {
		t.Fatalf("ema = %v, want 110", m.LatencyMS)
	}
}

func TestErrorRateTripsHealth(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("flaky", backend.Capability{}, okBackend(), 0)

	_ = r.RecordOutcome(id, 10*time.Millisecond, true)
	h, _ := r.IsHealthy(id)
	if !h {
		t.Fatalf("expected healthy after success")
	}

	_ = r.RecordOutcome(id, 10*time.Millisecond, false)
	h, _ = r.IsHealthy(id)
	if h {
		t.Fatalf("expected unhealthy at 50%% error rate")
	}
	st, _ := r.Status(id)
	if st != backend.StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", st)
	}
}

func TestStalenessDerivation(t *testing.T) {
	r := newTestRegistry()
	base := time.Now()
	now := base
	r.now = func() time.Time { return now }

	id := r.Register("idle", backend.Capability{}, okBackend(), 0)
	_ = r.RecordOutcome(id, 10*time.Millisecond, true)

	now = base.Add(61 * time.Second)
	h, _ := r.IsHealthy(id)
	if h {
		t.Fatalf("stale metrics must not be healthy")
	}
	st, _ := r.Status(id)
	if st != backend.StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy inside one window", st)
	}

	now = base.Add(121 * time.Second)
	st, _ = r.Status(id)
	if st != backend.StatusOffline {
		t.Fatalf("status = %s, want offline past two windows", st)
	}
}

func TestBusyAtOverloadThreshold(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("loaded", backend.Capability{}, okBackend(), 10)
	_ = r.RecordOutcome(id, 10*time.Millisecond, true)

	for i := 0; i < 9; i++ {
		_ = r.IncInFlight(id)
	}
	st, _ := r.Status(id)
	if st != backend.StatusBusy {
		t.Fatalf("status at 0.9 load = %s, want busy", st)
	}
	r.DecInFlight(id)
	st, _ = r.Status(id)
	if st != backend.StatusAvailable {
		t.Fatalf("status at 0.8 load = %s, want available", st)
	}
}

func TestCountersNeverInvert(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("concurrent", backend.Capability{}, okBackend(), 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = r.RecordOutcome(id, time.Duration(i+1)*time.Millisecond, (i+g)%3 != 0)
			}
		}(g)
	}
	wg.Wait()

	m, _ := r.Snapshot(id)
	if m.RequestCount != 400 {
		t.Fatalf("request count = %d, want 400", m.RequestCount)
	}
	if m.ErrorCount > m.RequestCount {
		t.Fatalf("error count %d exceeds request count %d", m.ErrorCount, m.RequestCount)
	}
}

func TestAccuracyEMAClamped(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("scored", backend.Capability{}, okBackend(), 0)

	m, _ := r.Snapshot(id)
	if m.AccuracyScore != 0.5 {
		t.Fatalf("initial accuracy = %v, want 0.5", m.AccuracyScore)
	}
	_ = r.RecordAccuracy(id, 2.0) // clamps to 1
	m, _ = r.Snapshot(id)
	if math.Abs(m.AccuracyScore-0.55) > 1e-9 {
		t.Fatalf("accuracy = %v, want 0.55", m.AccuracyScore)
	}
}

func TestDeregisterAndLookup(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("gone", backend.Capability{}, okBackend(), 0)
	if err := r.Deregister(id); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := r.Deregister(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Lookup(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIDByName(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("named", backend.Capability{}, okBackend(), 0)
	got, ok := r.IDByName("named")
	if !ok || got != id {
		t.Fatalf("IDByName = %q, %v", got, ok)
	}
	if _, ok := r.IDByName("missing"); ok {
		t.Fatalf("unexpected hit for missing name")
	}
}

func TestProbeAllRecordsOutcomes(t *testing.T) {
	r := newTestRegistry()
	good := r.Register("good", backend.Capability{}, okBackend(), 0)
	bad := r.Register("bad", backend.Capability{}, backend.Func{
		InvokeFn: func(ctx context.Context, payload string) (backend.Answer, error) {
			return backend.Answer{}, errors.New("down")
		},
		ProbeFn: func(ctx context.Context) error { return errors.New("down") },
	}, 0)

	r.ProbeAll(context.Background())

	st, _ := r.Status(good)
	if st != backend.StatusAvailable {
		t.Fatalf("good status = %s, want available", st)
	}
	st, _ = r.Status(bad)
	if st != backend.StatusUnhealthy {
		t.Fatalf("bad status = %s, want unhealthy", st)
	}
	m, _ := r.Snapshot(bad)
	if m.RequestCount != 1 || m.ErrorCount != 1 {
		t.Fatalf("bad counters = %d/%d, want 1/1", m.ErrorCount, m.RequestCount)
	}
}

func TestStartProbingSweepsImmediately(t *testing.T) {
	r := newTestRegistry()
	id := r.Register("fresh", backend.Capability{}, okBackend(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// An hour-long interval: only the immediate sweep can move the backend
	// out of warming_up within the poll window below.
	r.StartProbing(ctx, time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := r.Status(id); st == backend.StatusAvailable {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend never probed before the first interval")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
