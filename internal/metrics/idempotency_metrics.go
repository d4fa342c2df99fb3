package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics — метрики очистки ключей идемпотентности.
type IdempotencyMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewIdempotencyMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewIdempotencyMetrics() *IdempotencyMetrics {
	return NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewIdempotencyMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	return &IdempotencyMetrics{
		runs: register(registerer, "ordercore_idempotency_cleanup_runs_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"})),
		deleted: register(registerer, "ordercore_idempotency_cleanup_deleted_total", prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordercore_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		})),
		lastDeleted: register(registerer, "ordercore_idempotency_cleanup_last_deleted", prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ordercore_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		})),
	}
}

// CleanupRun учитывает завершённый цикл очистки с результатом ok/error.
func (m *IdempotencyMetrics) CleanupRun(result string) {
	m.runs.WithLabelValues(result).Inc()
}

// Deleted добавляет удалённые записи одной порции.
func (m *IdempotencyMetrics) Deleted(n int) {
	m.deleted.Add(float64(n))
}

// LastRunDeleted фиксирует итог последнего цикла.
func (m *IdempotencyMetrics) LastRunDeleted(n int) {
	m.lastDeleted.Set(float64(n))
}
