package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestEngineMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetricsWithRegisterer(reg)

	m.TransactionCreated(2)
	m.TransactionCreated(2)
	m.TransitionRecorded("approve", ResultOK)
	m.NumberRetried("SA")
	m.NumberFallback("SA")
	m.StockRejected("insufficient_stock")
	m.TimelineEvent()
	m.OutboxEnqueued()
	m.ObserveOperation("create", ResultOK, 15*time.Millisecond)

	assert.Equal(t, 2.0, counterValue(t, m.created.WithLabelValues("2")))
	assert.Equal(t, 1.0, counterValue(t, m.transitions.WithLabelValues("approve", ResultOK)))
	assert.Equal(t, 1.0, counterValue(t, m.numbering.WithLabelValues("SA", "retry")))
	assert.Equal(t, 1.0, counterValue(t, m.numbering.WithLabelValues("SA", "fallback")))
	assert.Equal(t, 1.0, counterValue(t, m.stock.WithLabelValues("insufficient_stock")))
	assert.Equal(t, 1.0, counterValue(t, m.timeline))
	assert.Equal(t, 1.0, counterValue(t, m.outbox))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ordercore_operation_duration_seconds")
}

func TestRegisterReturnsExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewEngineMetricsWithRegisterer(reg)
	second := NewEngineMetricsWithRegisterer(reg)

	first.TransactionCreated(3)
	assert.Equal(t, 1.0, counterValue(t, second.created.WithLabelValues("3")))
}

func TestRegisterPanicsOnTypeMismatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "ordercore_timeline_events_total", Help: "gauge"}))

	assert.Panics(t, func() {
		NewEngineMetricsWithRegisterer(reg)
	})
}

func TestOutboxMetricsBacklog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetricsWithRegisterer(reg)

	m.PublishAttempt("sent")
	m.Backlog(4, 90*time.Second)
	assert.Equal(t, 1.0, counterValue(t, m.attempts.WithLabelValues("sent")))
	assert.Equal(t, 4.0, counterValue(t, m.pending))
	assert.Equal(t, 90.0, counterValue(t, m.oldestAge))

	m.Backlog(0, -time.Second)
	assert.Equal(t, 0.0, counterValue(t, m.oldestAge))
}
