// Package metrics provides Prometheus metrics for antivibe builds.
// Exports HTTP, build, stage call, budget, validation and publish metrics.
package metrics

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "antivibe"

var (
	once     sync.Once
	instance *Metrics

	labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Build Metrics
	BuildsTotal    *prometheus.CounterVec
	BuildDuration  *prometheus.HistogramVec
	BuildsInFlight prometheus.Gauge
	RepairCycles   prometheus.Histogram

	// Stage call Metrics
	StageCallsTotal   *prometheus.CounterVec
	StageCallDuration *prometheus.HistogramVec
	TokensUsed        *prometheus.CounterVec
	ProviderRetries   *prometheus.CounterVec
	ParseRetries      *prometheus.CounterVec
	BudgetRejections  *prometheus.CounterVec
	RateLimitWaits    *prometheus.HistogramVec

	// Validation Metrics
	ValidationViolations *prometheus.CounterVec

	// Output Metrics
	PublishTotal *prometheus.CounterVec
	ArchiveTotal *prometheus.CounterVec

	// WebSocket Metrics
	WebSocketConnections prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "finalizations_total",
			Help:      "Total number of finished builds by status and reason",
		},
		[]string{"status", "reason"},
	)

	m.BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Wall time of a build from INIT to a terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"status"},
	)

	m.BuildsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "in_flight",
			Help:      "Builds currently running",
		},
	)

	m.RepairCycles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "repair_cycles",
			Help:      "Repair cycles used per finished build",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		},
	)

	m.StageCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "calls_total",
			Help:      "Completion calls by stage, provider, and result",
		},
		[]string{"stage", "provider", "result"},
	)

	m.StageCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "call_duration_seconds",
			Help:      "Completion call latency by stage and provider",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"stage", "provider"},
	)

	m.TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "tokens_total",
			Help:      "Tokens committed by stage and kind (input, output, thinking)",
		},
		[]string{"stage", "kind"},
	)

	m.ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "provider_retries_total",
			Help:      "Provider errors retried by provider and error class",
		},
		[]string{"provider", "class"},
	)

	m.ParseRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "parse_retries_total",
			Help:      "Clarification re-prompts issued after a parse failure",
		},
		[]string{"stage"},
	)

	m.BudgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "rejections_total",
			Help:      "Pre-flight reservations rejected by stage and dimension",
		},
		[]string{"stage", "dimension"},
	)

	m.RateLimitWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting on the client-side rate limiter",
			Buckets:   []float64{0, .01, .1, .5, 1, 5, 15, 60},
		},
		[]string{"provider"},
	)

	m.ValidationViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "violations_total",
			Help:      "Validation violations by check",
		},
		[]string{"check"},
	)

	m.PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "publish_total",
			Help:      "Atomic publishes by result",
		},
		[]string{"result"},
	)

	m.ArchiveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "archive_total",
			Help:      "Archive uploads by result",
		},
		[]string{"result"},
	)

	m.WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Open build event streams",
		},
	)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, HTTPStatusCode(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordBuildFinalization records a build reaching DONE or FAILED.
func (m *Metrics) RecordBuildFinalization(status, reason string, duration time.Duration, repairs int) {
	status = sanitizeLabel(status, "unknown")
	m.BuildsTotal.WithLabelValues(status, sanitizeLabel(reason, "none")).Inc()
	m.BuildDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.RepairCycles.Observe(float64(repairs))
}

// RecordStageCall records one completion call.
func (m *Metrics) RecordStageCall(stage, provider, result string, duration time.Duration) {
	stage = sanitizeLabel(stage, "unknown")
	provider = sanitizeLabel(provider, "unknown")
	m.StageCallsTotal.WithLabelValues(stage, provider, sanitizeLabel(result, "unknown")).Inc()
	m.StageCallDuration.WithLabelValues(stage, provider).Observe(duration.Seconds())
}

// RecordTokens records committed usage for a stage.
func (m *Metrics) RecordTokens(stage string, input, output, thinking int) {
	stage = sanitizeLabel(stage, "unknown")
	m.TokensUsed.WithLabelValues(stage, "input").Add(float64(input))
	m.TokensUsed.WithLabelValues(stage, "output").Add(float64(output))
	if thinking > 0 {
		m.TokensUsed.WithLabelValues(stage, "thinking").Add(float64(thinking))
	}
}

// RecordProviderRetry records a retried provider error.
func (m *Metrics) RecordProviderRetry(provider, class string) {
	m.ProviderRetries.WithLabelValues(sanitizeLabel(provider, "unknown"), sanitizeLabel(class, "unknown")).Inc()
}

// RecordParseRetry records a clarification re-prompt.
func (m *Metrics) RecordParseRetry(stage string) {
	m.ParseRetries.WithLabelValues(sanitizeLabel(stage, "unknown")).Inc()
}

// RecordBudgetRejection records a rejected reservation.
func (m *Metrics) RecordBudgetRejection(stage, dimension string) {
	m.BudgetRejections.WithLabelValues(sanitizeLabel(stage, "unknown"), sanitizeLabel(dimension, "unknown")).Inc()
}

// RecordRateLimitWait records time spent blocked on the limiter.
func (m *Metrics) RecordRateLimitWait(provider string, wait time.Duration) {
	m.RateLimitWaits.WithLabelValues(sanitizeLabel(provider, "unknown")).Observe(wait.Seconds())
}

// RecordViolations counts violations per check.
func (m *Metrics) RecordViolations(checks []string) {
	for _, c := range checks {
		m.ValidationViolations.WithLabelValues(sanitizeLabel(c, "unknown")).Inc()
	}
}

// RecordPublish records an atomic publish attempt.
func (m *Metrics) RecordPublish(err error) {
	m.PublishTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordArchive records an archive upload attempt.
func (m *Metrics) RecordArchive(err error) {
	m.ArchiveTotal.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func sanitizeLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = labelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
