package store

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/backend"
)

// maxEvents bounds the in-memory switch event log.
const maxEvents = 1000

// Memory is the default store when no Redis address is configured. Safe for
// concurrent use.
type Memory struct {
	mu      sync.RWMutex
	config  []byte
	events  []backend.SwitchEvent
	cache   map[string]backend.CachedResponse
	offline map[backend.ID]backend.OfflineStatus
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		cache:   make(map[string]backend.CachedResponse),
		offline: make(map[backend.ID]backend.OfflineStatus),
		now:     time.Now,
	}
}

func (m *Memory) LoadConfig(context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil, ErrNoConfig
	}
	out := make([]byte, len(m.config))
	copy(out, m.config)
	return out, nil
}

func (m *Memory) SaveConfig(_ context.Context, doc []byte) error {
	cp := make([]byte, len(doc))
	copy(cp, doc)
	m.mu.Lock()
	m.config = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveSwitchEvent(_ context.Context, ev backend.SwitchEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) SwitchEvents(_ context.Context, role string, limit int) ([]backend.SwitchEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []backend.SwitchEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if role != "" && m.events[i].Role != role {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) StoreOfflineCache(_ context.Context, key string, resp backend.Response) error {
	m.mu.Lock()
	m.cache[key] = backend.CachedResponse{Response: resp, StoredAt: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadOfflineCache(_ context.Context, key string) (backend.CachedResponse, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cache[key]
	return c, ok, nil
}

func (m *Memory) SaveOfflineStatus(_ context.Context, st backend.OfflineStatus) error {
	m.mu.Lock()
	m.offline[st.Backend] = st
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadOfflineStatus(_ context.Context, id backend.ID) (backend.OfflineStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.offline[id]
	return st, ok, nil
}
