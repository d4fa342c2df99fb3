// Package idempotency обслуживает хранилище idempotency-ключей HTTP API.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultSweepBatch    = 500
	// maxSweepBatches — верхняя граница числа порций за один проход.
	maxSweepBatches = 1000
)

// SweepResult — итог одного прохода очистки.
type SweepResult struct {
	Deleted int
	Batches int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

// WithMetrics задаёт метрики очистки.
func WithMetrics(m *metrics.IdempotencyMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize задаёт число ключей, удаляемых одним запросом.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) { w.now = now }
}

// CleanupWorker периодически удаляет idempotency-ключи с истёкшим TTL.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	metrics   *metrics.IdempotencyMetrics
	now       func() time.Time
	interval  time.Duration
	batchSize int
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		now:       time.Now,
		interval:  defaultSweepInterval,
		batchSize: defaultSweepBatch,
	}
	for _, option := range options {
		option(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup")
	}
	if w.metrics == nil {
		w.metrics = metrics.NewIdempotencyMetrics()
	}
	return w
}

// Run выполняет проход сразу и затем по таймеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	res, err := w.Sweep(ctx, w.now().UTC())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case err != nil:
		w.metrics.CleanupRun("error")
		w.logger.WithError(err).WithField("deleted", res.Deleted).Warn("idempotency cleanup failed")
		return
	}

	w.metrics.CleanupRun("ok")
	w.metrics.LastRunDeleted(res.Deleted)
	if res.Deleted > 0 {
		w.logger.WithFields(log.Fields{"deleted": res.Deleted, "batches": res.Batches}).Info("idempotency keys expired")
	}
}

// Sweep удаляет ключи с ttl <= before порциями, пока очередная порция не окажется неполной.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (SweepResult, error) {
	var res SweepResult
	if before.IsZero() {
		before = w.now().UTC()
	}

	for res.Batches < maxSweepBatches {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return res, fmt.Errorf("delete expired idempotency keys: %w", err)
		}
		res.Batches++
		res.Deleted += deleted
		if deleted > 0 {
			w.metrics.Deleted(deleted)
		}
		if deleted < w.batchSize {
			break
		}
	}
	return res, nil
}
