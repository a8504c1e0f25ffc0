// Package metrics provides the Prometheus metrics of the analysis pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by several metrics.
const (
	OutcomeAccepted  = "accepted"
	OutcomeCoalesced = "coalesced"
	OutcomeIgnored   = "ignored"
	OutcomeDisabled  = "disabled"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeQueueFull = "queue_full"
	OutcomeError     = "error"
	OutcomeSuccess   = "success"
	OutcomeDegraded  = "degraded"
)

// PipelineMetrics contains all Prometheus metrics of the analysis pipeline.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	webhooks        *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	jobAttempts     prometheus.Histogram
	terminal        *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	analyzerRuns    *prometheus.CounterVec
	analyzerSeconds *prometheus.HistogramVec
	findings        *prometheus.CounterVec
}

// NewPipelineMetrics creates the pipeline metrics and registers them on registry.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_webhooks_total",
			Help: "Webhook deliveries partitioned by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_queue_depth",
			Help: "Pending plus in-flight scan jobs.",
		},
	)
	m.jobAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_job_attempts",
			Help:    "Deliveries a job needed before reaching a terminal state.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	m.terminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_reviews_terminal_total",
			Help: "Reviews reaching a terminal state, partitioned by status and reason.",
		},
		[]string{"status", "reason"},
	)
	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_job_duration_seconds",
			Help:    "Wall-clock time of one job attempt.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
		[]string{"status"},
	)
	m.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_job_retries_total",
			Help: "Jobs requeued for another attempt, partitioned by reason.",
		},
		[]string{"reason"},
	)
	m.analyzerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_analyzer_runs_total",
			Help: "Analyzer executions partitioned by analyzer and outcome.",
		},
		[]string{"analyzer", "outcome"},
	)
	m.analyzerSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_analyzer_duration_seconds",
			Help:    "Time taken by one analyzer over one tree.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"analyzer"},
	)
	m.findings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_issues_total",
			Help: "Persisted issues partitioned by severity.",
		},
		[]string{"severity"},
	)
}

// WebhookReceived counts one webhook delivery.
func (m *PipelineMetrics) WebhookReceived(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

// SetQueueDepth records the current queue depth.
func (m *PipelineMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// ReviewTerminal records a review reaching status after attempts deliveries.
func (m *PipelineMetrics) ReviewTerminal(status, reason string, attempts int) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(status, reason).Inc()
	m.jobAttempts.Observe(float64(attempts))
}

// JobFinished records the duration of one job attempt.
func (m *PipelineMetrics) JobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// JobRetried counts a requeue.
func (m *PipelineMetrics) JobRetried(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

// AnalyzerRun records one analyzer execution.
func (m *PipelineMetrics) AnalyzerRun(analyzer, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.analyzerRuns.WithLabelValues(analyzer, outcome).Inc()
	m.analyzerSeconds.WithLabelValues(analyzer).Observe(d.Seconds())
}

// IssuesPersisted counts persisted issues of one severity.
func (m *PipelineMetrics) IssuesPersisted(severity string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.findings.WithLabelValues(severity).Add(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.webhooks.Describe(ch)
	ch <- m.queueDepth.Desc()
	ch <- m.jobAttempts.Desc()
	m.terminal.Describe(ch)
	m.jobDuration.Describe(ch)
	m.retries.Describe(ch)
	m.analyzerRuns.Describe(ch)
	m.analyzerSeconds.Describe(ch)
	m.findings.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.webhooks.Collect(ch)
	ch <- m.queueDepth
	ch <- m.jobAttempts
	m.terminal.Collect(ch)
	m.jobDuration.Collect(ch)
	m.retries.Collect(ch)
	m.analyzerRuns.Collect(ch)
	m.analyzerSeconds.Collect(ch)
	m.findings.Collect(ch)
}
