// Package capacity samples host resources and gates requests that the
// machine has no headroom for. Only meaningful for locally hosted backends;
// remote workers report their own load through the health registry.
package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/logx"
	"github.com/modelmux/modelmux/internal/registry"
)

// Monitor holds the latest host resource sample.
type Monitor struct {
	mu          sync.RWMutex
	availableMB float64
	cpuPercent  float64
	sampled     bool
}

func New() *Monitor { return &Monitor{} }

// Sample refreshes the host memory and CPU reading.
func (m *Monitor) Sample(ctx context.Context) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return err
	}
	var cpuUsed float64
	if len(pct) > 0 {
		cpuUsed = pct[0]
	}
	m.mu.Lock()
	m.availableMB = float64(vm.Available) / (1024 * 1024)
	m.cpuPercent = cpuUsed
	m.sampled = true
	m.mu.Unlock()
	return nil
}

// Allow reports whether the host has headroom for the request. Before the
// first successful sample everything is allowed.
func (m *Monitor) Allow(rc backend.RequestContext) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.sampled {
		return true
	}
	if estimateMemoryMB(rc.TaskType) > m.availableMB {
		return false
	}
	if estimateCPUPercent(rc.Complexity) > 100-m.cpuPercent {
		return false
	}
	return true
}

// estimateMemoryMB is a coarse per-task working set estimate.
func estimateMemoryMB(t backend.TaskType) float64 {
	switch t {
	case backend.TaskGeneration, backend.TaskRefactoring:
		return 1024
	case backend.TaskChat, backend.TaskAnalysis:
		return 512
	case backend.TaskTranslation:
		return 128
	default:
		return 256
	}
}

// estimateCPUPercent is a coarse per-complexity demand estimate.
func estimateCPUPercent(c backend.Complexity) float64 {
	switch c {
	case backend.ComplexityComplex:
		return 30
	case backend.ComplexityMedium:
		return 15
	default:
		return 5
	}
}

// Start samples on the given interval and attributes host usage to the
// listed locally hosted backends until ctx is done.
func (m *Monitor) Start(ctx context.Context, interval time.Duration, reg *registry.Registry, local ...backend.ID) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.Sample(ctx); err != nil {
					logx.Log.Debug().Err(err).Msg("capacity sample failed")
					continue
				}
				m.mu.RLock()
				memMB, cpuPct := m.availableMB, m.cpuPercent
				m.mu.RUnlock()
				for _, id := range local {
					_ = reg.RecordResources(id, memMB, cpuPct)
				}
			}
		}
	}()
}
