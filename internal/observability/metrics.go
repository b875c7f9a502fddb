package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics centralizes Prometheus instrumentation for the billing pipeline.
type Metrics struct {
	registry *prometheus.Registry

	instructions        *prometheus.CounterVec
	instructionDuration *prometheus.HistogramVec

	diffs *prometheus.CounterVec

	snapshotCache *prometheus.CounterVec

	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
}

// NewMetrics builds a metrics container backed by the provided registry. If no
// registry is supplied, a new one is created.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{registry: reg}

	m.instructions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacemeter_billing_instructions_total",
		Help: "Billing instructions handled grouped by outcome",
	}, []string{"outcome"})
	m.instructionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spacemeter_billing_instruction_seconds",
		Help:    "Durations of billing instruction handling",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	m.diffs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacemeter_space_diffs_ingested_total",
		Help: "Space diffs seen by the ingestor grouped by outcome",
	}, []string{"outcome"})

	m.snapshotCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacemeter_snapshot_cache_lookups_total",
		Help: "Snapshot cache lookups grouped by result",
	}, []string{"result"})

	m.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacemeter_queue_retries_total",
		Help: "In-place message retries grouped by topic",
	}, []string{"topic"})
	m.deadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacemeter_queue_dead_letters_total",
		Help: "Messages dead-lettered grouped by topic and error kind",
	}, []string{"topic", "kind"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacemeter_http_requests_total",
		Help: "Control plane requests grouped by route and status",
	}, []string{"route", "status"})

	reg.MustRegister(m.instructions, m.instructionDuration, m.diffs, m.snapshotCache, m.retries, m.deadLetters, m.httpRequests)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveInstruction(duration time.Duration, outcome string) {
	m.instructions.WithLabelValues(outcome).Inc()
	m.instructionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveDiffs(outcome string, n int) {
	m.diffs.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveSnapshotCache(result string) {
	m.snapshotCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRetry(topic string) {
	m.retries.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveDeadLetter(topic, kind string) {
	m.deadLetters.WithLabelValues(topic, kind).Inc()
}

func (m *Metrics) ObserveHTTP(route string, status int) {
	m.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
