package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "modelmux_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_requests_total",
			Help: "Handled requests by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_request_duration_seconds",
			Help:    "End-to-end request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_backend_requests_total",
			Help: "Invocations per backend",
		},
		[]string{"backend_id", "outcome"},
	)

	backendHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelmux_backend_healthy",
			Help: "Whether a backend is currently healthy (1 or 0)",
		},
		[]string{"backend_id"},
	)

	switches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_switches_total",
			Help: "Committed primary switches per role",
		},
		[]string{"role", "reason"},
	)

	consensusDisagreement = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelmux_consensus_disagreement",
			Help:    "Disagreement score of consensus rounds",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	fallbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelmux_fallback_depth",
			Help:    "How many backends were tried before a request was served",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, requests, requestDuration, backendRequests,
		backendHealthy, switches, consensusDisagreement, fallbackDepth)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRequest increments the handled-request counter.
func RecordRequest(path string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	requests.WithLabelValues(path, outcome).Inc()
}

// ObserveRequestDuration records the duration of a handled request.
func ObserveRequestDuration(path string, d time.Duration) {
	requestDuration.WithLabelValues(path).Observe(d.Seconds())
}

// RecordBackendRequest increments per-backend invocation counters.
func RecordBackendRequest(backendID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	backendRequests.WithLabelValues(backendID, outcome).Inc()
}

// SetBackendHealthy publishes a backend's current health classification.
func SetBackendHealthy(backendID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	backendHealthy.WithLabelValues(backendID).Set(v)
}

// RecordSwitch counts a committed primary switch.
func RecordSwitch(role, reason string) {
	switches.WithLabelValues(role, reason).Inc()
}

// ObserveDisagreement records a consensus round's disagreement score.
func ObserveDisagreement(score float64) {
	consensusDisagreement.Observe(score)
}

// ObserveFallbackDepth records how deep the fallback walk went.
func ObserveFallbackDepth(depth int) {
	fallbackDepth.Observe(float64(depth))
}
