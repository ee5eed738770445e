package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a config document fails validation. A failed
// reload leaves the previously active config in place.
var ErrInvalid = errors.New("config invalid")

// Config is the engine's tunable tree. It is immutable after validation;
// reloads swap the whole tree atomically.
type Config struct {
	Version       int           `yaml:"version"`
	Performance   Performance   `yaml:"performance"`
	LoadBalancing LoadBalancing `yaml:"load_balancing"`
	Consensus     Consensus     `yaml:"consensus"`
	Fallback      Fallback      `yaml:"fallback"`
	Switching     Switching     `yaml:"switching"`
}

// Performance holds the health classification thresholds.
type Performance struct {
	MaxLatencyMS        float64 `yaml:"max_latency_ms"`
	TargetLatencyMS     float64 `yaml:"target_latency_ms"`
	ErrorRateCeiling    float64 `yaml:"error_rate_ceiling"`
	StalenessWindowSecs int     `yaml:"staleness_window_secs"`
}

func (p Performance) StalenessWindow() time.Duration {
	return time.Duration(p.StalenessWindowSecs) * time.Second
}

// Weights are the routing score components. They should sum to roughly 1.
type Weights struct {
	Latency  float64 `yaml:"latency"`
	Accuracy float64 `yaml:"accuracy"`
	Load     float64 `yaml:"load"`
}

// LoadBalancing limits how much work a backend may take before it is
// excluded from routing.
type LoadBalancing struct {
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests"`
	OverloadThreshold     float64 `yaml:"overload_threshold"`
	QueueCapacity         int     `yaml:"queue_capacity"`
	Weights               Weights `yaml:"weights"`
}

// Consensus parameters for the multi-backend voting path.
type Consensus struct {
	MinModels             int     `yaml:"min_models_for_consensus"`
	Mechanism             string  `yaml:"voting_mechanism"`
	DisagreementTolerance float64 `yaml:"disagreement_tolerance"`
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	TimeoutSecs           int     `yaml:"timeout_secs"`
}

func (c Consensus) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// Fallback controls the degraded/offline path.
type Fallback struct {
	Sequence                 []string `yaml:"sequence"`
	GracePeriodSecs          int      `yaml:"grace_period_secs"`
	OfflineCacheDurationDays int      `yaml:"offline_cache_duration_days"`
}

func (f Fallback) GracePeriod() time.Duration {
	return time.Duration(f.GracePeriodSecs) * time.Second
}

func (f Fallback) OfflineCacheDuration() time.Duration {
	return time.Duration(f.OfflineCacheDurationDays) * 24 * time.Hour
}

// Switching holds the anti-thrashing knobs for primary reassignment.
type Switching struct {
	HysteresisFactor     float64 `yaml:"hysteresis_factor"`
	CooldownDurationSecs int     `yaml:"cooldown_duration_secs"`
}

func (s Switching) CooldownDuration() time.Duration {
	return time.Duration(s.CooldownDurationSecs) * time.Second
}

// Default returns the engine defaults. Load applies a yaml document on top
// of these, so absent fields keep their default values.
func Default() *Config {
	return &Config{
		Version: 1,
		Performance: Performance{
			MaxLatencyMS:        500,
			TargetLatencyMS:     500,
			ErrorRateCeiling:    0.1,
			StalenessWindowSecs: 60,
		},
		LoadBalancing: LoadBalancing{
			MaxConcurrentRequests: 10,
			OverloadThreshold:     0.9,
			QueueCapacity:         256,
			Weights:               Weights{Latency: 0.5, Accuracy: 0.3, Load: 0.2},
		},
		Consensus: Consensus{
			MinModels:             3,
			Mechanism:             "confidence",
			DisagreementTolerance: 0.3,
			ConfidenceThreshold:   0.8,
			TimeoutSecs:           10,
		},
		Fallback: Fallback{
			GracePeriodSecs:          30,
			OfflineCacheDurationDays: 7,
		},
		Switching: Switching{
			HysteresisFactor:     1.05,
			CooldownDurationSecs: 60,
		},
	}
}

// Load parses a yaml document over the defaults and validates the result.
func Load(doc []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses a yaml config file.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Validate checks every tunable against its allowed range.
func (c *Config) Validate() error {
	fail := func(field, why string) error {
		return fmt.Errorf("%w: %s %s", ErrInvalid, field, why)
	}
	if c.Performance.MaxLatencyMS <= 0 {
		return fail("performance.max_latency_ms", "must be positive")
	}
	if c.Performance.TargetLatencyMS <= 0 {
		return fail("performance.target_latency_ms", "must be positive")
	}
	if c.Performance.ErrorRateCeiling <= 0 || c.Performance.ErrorRateCeiling > 1 {
		return fail("performance.error_rate_ceiling", "must be in (0,1]")
	}
	if c.Performance.StalenessWindowSecs <= 0 {
		return fail("performance.staleness_window_secs", "must be positive")
	}
	if c.LoadBalancing.MaxConcurrentRequests <= 0 {
		return fail("load_balancing.max_concurrent_requests", "must be positive")
	}
	if c.LoadBalancing.OverloadThreshold <= 0 || c.LoadBalancing.OverloadThreshold > 1 {
		return fail("load_balancing.overload_threshold", "must be in (0,1]")
	}
	if c.LoadBalancing.QueueCapacity <= 0 {
		return fail("load_balancing.queue_capacity", "must be positive")
	}
	w := c.LoadBalancing.Weights
	if w.Latency < 0 || w.Accuracy < 0 || w.Load < 0 {
		return fail("load_balancing.weights", "must be non-negative")
	}
	if w.Latency+w.Accuracy+w.Load == 0 {
		return fail("load_balancing.weights", "must not all be zero")
	}
	if c.Consensus.MinModels < 2 {
		return fail("consensus.min_models_for_consensus", "must be at least 2")
	}
	switch c.Consensus.Mechanism {
	case "majority", "weighted", "confidence":
	default:
		return fail("consensus.voting_mechanism", "must be majority, weighted or confidence")
	}
	if c.Consensus.DisagreementTolerance < 0 || c.Consensus.DisagreementTolerance > 1 {
		return fail("consensus.disagreement_tolerance", "must be in [0,1]")
	}
	if c.Consensus.ConfidenceThreshold < 0 || c.Consensus.ConfidenceThreshold > 1 {
		return fail("consensus.confidence_threshold", "must be in [0,1]")
	}
	if c.Consensus.TimeoutSecs <= 0 {
		return fail("consensus.timeout_secs", "must be positive")
	}
	if c.Fallback.GracePeriodSecs <= 0 {
		return fail("fallback.grace_period_secs", "must be positive")
	}
	if c.Fallback.OfflineCacheDurationDays < 0 {
		return fail("fallback.offline_cache_duration_days", "must not be negative")
	}
	if c.Switching.HysteresisFactor < 1 {
		return fail("switching.hysteresis_factor", "must be at least 1")
	}
	if c.Switching.CooldownDurationSecs <= 0 {
		return fail("switching.cooldown_duration_secs", "must be positive")
	}
	return nil
}
