// Package metrics содержит Prometheus-метрики движка документов и outbox.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций для метки result.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// EngineMetrics — метрики операций над документами.
type EngineMetrics struct {
	created     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	numbering   *prometheus.CounterVec
	stock       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	timeline    prometheus.Counter
	outbox      prometheus.Counter
}

// NewEngineMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewEngineMetrics() *EngineMetrics {
	return NewEngineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewEngineMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewEngineMetricsWithRegisterer(registerer prometheus.Registerer) *EngineMetrics {
	return &EngineMetrics{
		created: register(registerer, "ordercore_transactions_created_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_transactions_created_total",
			Help: "Total number of transactions created, by transaction type.",
		}, []string{"type"})),
		transitions: register(registerer, "ordercore_lifecycle_transitions_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_lifecycle_transitions_total",
			Help: "Lifecycle transitions attempted, by action and result.",
		}, []string{"action", "result"})),
		numbering: register(registerer, "ordercore_numbering_events_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_numbering_events_total",
			Help: "Numbering retries and timestamp fallbacks, by prefix.",
		}, []string{"prefix", "event"})),
		stock: register(registerer, "ordercore_stock_rejections_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_stock_rejections_total",
			Help: "Stock checks that rejected a transaction, by reason.",
		}, []string{"reason"})),
		duration: register(registerer, "ordercore_operation_duration_seconds", prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ordercore_operation_duration_seconds",
			Help:    "Duration of engine operations in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation", "result"})),
		timeline: register(registerer, "ordercore_timeline_events_total", prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordercore_timeline_events_total",
			Help: "Total number of timeline events recorded.",
		})),
		outbox: register(registerer, "ordercore_outbox_enqueued_total", prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordercore_outbox_enqueued_total",
			Help: "Total number of events enqueued into the outbox.",
		})),
	}
}

// TransactionCreated учитывает созданный документ.
func (m *EngineMetrics) TransactionCreated(txType int) {
	m.created.WithLabelValues(strconv.Itoa(txType)).Inc()
}

// TransitionRecorded учитывает попытку перехода статуса.
func (m *EngineMetrics) TransitionRecorded(action, result string) {
	m.transitions.WithLabelValues(action, result).Inc()
}

// NumberRetried — номер оказался занят, будет повтор.
func (m *EngineMetrics) NumberRetried(prefix string) {
	m.numbering.WithLabelValues(prefix, "retry").Inc()
}

// NumberFallback — выдан номер с суффиксом из времени.
func (m *EngineMetrics) NumberFallback(prefix string) {
	m.numbering.WithLabelValues(prefix, "fallback").Inc()
}

// StockRejected учитывает отказ проверки остатков.
func (m *EngineMetrics) StockRejected(reason string) {
	m.stock.WithLabelValues(reason).Inc()
}

// ObserveOperation записывает длительность операции движка.
func (m *EngineMetrics) ObserveOperation(operation, result string, duration time.Duration) {
	m.duration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// TimelineEvent увеличивает счётчик событий истории.
func (m *EngineMetrics) TimelineEvent() {
	m.timeline.Inc()
}

// OutboxEnqueued увеличивает счётчик событий outbox.
func (m *EngineMetrics) OutboxEnqueued() {
	m.outbox.Inc()
}
