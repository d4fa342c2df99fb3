package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
)

var sweepNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestCleanup(t *testing.T, repo domain.IdempotencyRepository, options ...CleanupOption) (*CleanupWorker, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	options = append([]CleanupOption{
		WithMetrics(metrics.NewIdempotencyMetricsWithRegisterer(reg)),
		WithClock(func() time.Time { return sweepNow }),
	}, options...)
	return NewCleanupWorker(repo, options...), reg
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, pair := range metric.GetLabel() {
				if pair.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCleanupWorker_Sweep(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name      string
		results   []int
		errs      []error
		batchSize int
		want      SweepResult
		wantErr   error
	}{
		{name: "nothing expired", results: []int{0}, batchSize: 10, want: SweepResult{Batches: 1}},
		{name: "partial batch stops", results: []int{4}, batchSize: 10, want: SweepResult{Deleted: 4, Batches: 1}},
		{name: "full batches continue", results: []int{2, 2, 1}, batchSize: 2, want: SweepResult{Deleted: 5, Batches: 3}},
		{name: "exact multiple ends with empty batch", results: []int{2, 2, 0}, batchSize: 2, want: SweepResult{Deleted: 4, Batches: 3}},
		{name: "error keeps progress", results: []int{2}, errs: []error{nil, boom}, batchSize: 2, want: SweepResult{Deleted: 2, Batches: 1}, wantErr: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := &stubCleanupRepo{deleteResults: tt.results, deleteErrors: tt.errs}
			worker, _ := newTestCleanup(t, repo, WithBatchSize(tt.batchSize))

			res, err := worker.Sweep(context.Background(), sweepNow)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestCleanupWorker_Sweep_DefaultsToClock(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{}
	worker, _ := newTestCleanup(t, repo)

	_, err := worker.Sweep(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, sweepNow, repo.lastBefore)
	assert.Equal(t, defaultSweepBatch, repo.lastLimit)
}

func TestCleanupWorker_Sweep_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := &stubCleanupRepo{}
	worker, _ := newTestCleanup(t, repo)

	_, err := worker.Sweep(ctx, sweepNow)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, repo.calls())
}

func TestCleanupWorker_RunOnce_Metrics(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteResults: []int{3}, deleteErrors: []error{nil, errors.New("db down")}}
	worker, reg := newTestCleanup(t, repo, WithBatchSize(10))

	worker.runOnce(context.Background())
	worker.runOnce(context.Background())

	assert.Equal(t, 1.0, counterTotal(t, reg, "ordercore_idempotency_cleanup_runs_total", "ok"))
	assert.Equal(t, 1.0, counterTotal(t, reg, "ordercore_idempotency_cleanup_runs_total", "error"))
	assert.Equal(t, 3.0, counterTotal(t, reg, "ordercore_idempotency_cleanup_deleted_total", ""))
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{}
	worker, _ := newTestCleanup(t, repo, WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
	assert.Positive(t, repo.calls())
}

func TestCleanupWorker_Run_DisabledWithoutRepo(t *testing.T) {
	t.Parallel()

	worker, _ := newTestCleanup(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker must return immediately")
	}
}

func TestCleanupWorker_Sweep_MemoryRepository(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	for _, key := range []string{"expired-1", "expired-2", "expired-3"} {
		_, err := repo.CreateProcessing(ctx, key, "hash", sweepNow.Add(-time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing(ctx, "alive", "hash", sweepNow.Add(time.Hour))
	require.NoError(t, err)

	worker, _ := newTestCleanup(t, repo, WithBatchSize(2))
	res, err := worker.Sweep(ctx, sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)

	_, err = repo.Get(ctx, "alive")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "expired-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

type stubCleanupRepo struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	callCount     int
	lastBefore    time.Time
	lastLimit     int
}

func (s *stubCleanupRepo) CreateProcessing(context.Context, string, string, time.Time) (domain.IdempotencyRecord, error) {
	return domain.IdempotencyRecord{}, errors.New("not used")
}

func (s *stubCleanupRepo) Get(context.Context, string) (domain.IdempotencyRecord, error) {
	return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
}

func (s *stubCleanupRepo) MarkDone(context.Context, string, []byte, int) error { return nil }

func (s *stubCleanupRepo) MarkFailed(context.Context, string, []byte, int) error { return nil }

func (s *stubCleanupRepo) Delete(context.Context, string) error { return nil }

func (s *stubCleanupRepo) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.lastBefore = before
	s.lastLimit = limit

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubCleanupRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.IdempotencyRepository = (*stubCleanupRepo)(nil)
