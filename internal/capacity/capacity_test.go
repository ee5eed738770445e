package capacity

import (
	"testing"

	"github.com/modelmux/modelmux/internal/backend"
)

func TestAllowBeforeFirstSample(t *testing.T) {
	m := New()
	if !m.Allow(backend.RequestContext{TaskType: backend.TaskGeneration, Complexity: backend.ComplexityComplex}) {
		t.Fatalf("unsampled monitor must allow everything")
	}
}

func TestAllowGatesOnMemory(t *testing.T) {
	m := New()
	m.availableMB = 300
	m.cpuPercent = 10
	m.sampled = true

	if m.Allow(backend.RequestContext{TaskType: backend.TaskChat}) {
		t.Fatalf("chat needs 512MB, only 300 available")
	}
	if !m.Allow(backend.RequestContext{TaskType: backend.TaskTranslation}) {
		t.Fatalf("translation fits in 300MB")
	}
}

func TestAllowGatesOnCPU(t *testing.T) {
	m := New()
	m.availableMB = 8192
	m.cpuPercent = 90
	m.sampled = true

	if m.Allow(backend.RequestContext{TaskType: backend.TaskCompletion, Complexity: backend.ComplexityComplex}) {
		t.Fatalf("complex work needs 30%% CPU, only 10%% headroom")
	}
	if !m.Allow(backend.RequestContext{TaskType: backend.TaskCompletion, Complexity: backend.ComplexitySimple}) {
		t.Fatalf("simple work fits in 10%% headroom")
	}
}
