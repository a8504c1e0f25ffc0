package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPipelineMetrics(registry)
	require.NoError(t, err)

	m.WebhookReceived("github", OutcomeAccepted)
	m.WebhookReceived("github", OutcomeAccepted)
	m.WebhookReceived("gitlab", OutcomeRejected)
	m.SetQueueDepth(4)
	m.ReviewTerminal("failed", "CheckoutFailed", 1)
	m.AnalyzerRun("static", OutcomeSuccess, 20*time.Millisecond)
	m.IssuesPersisted("high", 3)
	m.IssuesPersisted("low", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhooks.WithLabelValues("github", OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("gitlab", OutcomeRejected)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminal.WithLabelValues("failed", "CheckoutFailed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.findings.WithLabelValues("high")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.analyzerRuns))

	_, err = NewPipelineMetrics(registry)
	assert.Error(t, err, "double registration must fail")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.WebhookReceived("github", OutcomeAccepted)
		m.SetQueueDepth(1)
		m.ReviewTerminal("completed", "", 1)
		m.JobFinished("completed", time.Second)
		m.JobRetried("CheckoutTransientError")
		m.AnalyzerRun("ai", OutcomeError, time.Second)
		m.IssuesPersisted("low", 2)
	})
}
