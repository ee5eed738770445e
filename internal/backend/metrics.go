package backend

import "time"

// Status classifies a backend's fitness for new work. It is derived from
// metrics and thresholds, never set directly.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
	StatusWarmingUp Status = "warming_up"
)

// Metrics is a point-in-time copy of a backend's rolling performance state.
// The health registry owns the mutable original; everyone else works on
// copies of this struct.
type Metrics struct {
	LatencyMS     float64   `json:"latency_ms"`
	AccuracyScore float64   `json:"accuracy_score"`
	MemoryMB      float64   `json:"memory_mb"`
	CPUPercent    float64   `json:"cpu_percent"`
	RequestCount  uint64    `json:"request_count"`
	ErrorCount    uint64    `json:"error_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ErrorRate returns errors over requests, defined as 0 for an idle backend.
func (m Metrics) ErrorRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.RequestCount)
}

// SwitchReason explains why a primary reassignment happened.
type SwitchReason string

const (
	ReasonPerformance        SwitchReason = "performance"
	ReasonLoadBalancing      SwitchReason = "load_balancing"
	ReasonFailure            SwitchReason = "failure"
	ReasonResourceConstraint SwitchReason = "resource_constraint"
	ReasonPreference         SwitchReason = "preference"
	ReasonMaintenance        SwitchReason = "maintenance"
)

// SwitchEvent is the append-only audit record for a primary reassignment.
// LatencyDeltaMS is the measured EMA latency improvement at commit time.
type SwitchEvent struct {
	Role           string       `json:"role"`
	Previous       ID           `json:"previous"`
	New            ID           `json:"new"`
	Reason         SwitchReason `json:"reason"`
	LatencyDeltaMS float64      `json:"latency_delta_ms"`
	At             time.Time    `json:"at"`
}

// OfflineStatus tracks a backend's usefulness when the pool degrades.
type OfflineStatus struct {
	Backend           ID        `json:"backend"`
	CacheAvailable    bool      `json:"cache_available"`
	CacheSizeBytes    int64     `json:"cache_size_bytes"`
	LastSync          time.Time `json:"last_sync"`
	OfflineCapability float64   `json:"offline_capability_score"`
}

// CachedResponse is an offline cache entry with its storage time, used to
// enforce the bounded-age rule.
type CachedResponse struct {
	Response Response  `json:"response"`
	StoredAt time.Time `json:"stored_at"`
}
