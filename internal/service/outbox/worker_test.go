package outbox

import (
	"context"
	"encoding/json"
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

func newTestWorker(t *testing.T, repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) (*Worker, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	options = append([]Option{
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(reg)),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	}, options...)
	return NewWorker(repo, publisher, options...), reg
}

// attemptsByResult собирает значения ordercore_outbox_publish_attempts_total по метке result.
func attemptsByResult(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	result := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != "ordercore_outbox_publish_attempts_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" {
					result[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return result
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func sampleMessage(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "transaction",
		AggregateID:   "tx-" + id,
		EventType:     domain.EventOrderApproved,
		Payload:       []byte(`{"status":1001}`),
	}
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func TestWorker_ProcessOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		publisher   *stubPublisher
		dlq         *stubPublisher
		maxAttempts int
		wantResult  BatchResult
		wantSent    []string
		wantFailed  []string
		wantCalls   int
		wantMetrics map[string]float64
	}{
		{
			name:        "sent on first attempt",
			publisher:   &stubPublisher{},
			maxAttempts: 3,
			wantResult:  BatchResult{Pulled: 1, Sent: 1},
			wantSent:    []string{"msg-1"},
			wantCalls:   1,
			wantMetrics: map[string]float64{"sent": 1},
		},
		{
			name: "sent after retries",
			publisher: &stubPublisher{sequenceErrors: []error{
				errors.New("attempt 1"),
				errors.New("attempt 2"),
				nil,
			}},
			maxAttempts: 3,
			wantResult:  BatchResult{Pulled: 1, Sent: 1},
			wantSent:    []string{"msg-1"},
			wantCalls:   3,
			wantMetrics: map[string]float64{"retry_error": 2, "sent": 1},
		},
		{
			name:        "failed without dlq",
			publisher:   &stubPublisher{err: errors.New("broker down")},
			maxAttempts: 2,
			wantResult:  BatchResult{Pulled: 1, Failed: 1},
			wantFailed:  []string{"msg-1"},
			wantCalls:   2,
			wantMetrics: map[string]float64{"retry_error": 2, "failed": 1},
		},
		{
			name:        "dlq failure is counted",
			publisher:   &stubPublisher{err: errors.New("broker down")},
			dlq:         &stubPublisher{err: errors.New("dlq down")},
			maxAttempts: 1,
			wantResult:  BatchResult{Pulled: 1, Failed: 1},
			wantFailed:  []string{"msg-1"},
			wantCalls:   1,
			wantMetrics: map[string]float64{"retry_error": 1, "failed": 1, "dlq_failed": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := &stubOutboxRepo{pending: []domain.OutboxMessage{sampleMessage("msg-1")}}
			options := []Option{WithMaxAttempts(tt.maxAttempts)}
			if tt.dlq != nil {
				options = append(options, WithDLQPublisher(tt.dlq))
			}
			worker, reg := newTestWorker(t, repo, tt.publisher, options...)

			res := worker.ProcessOnce(context.Background())

			assert.Equal(t, tt.wantResult, res)
			assert.Equal(t, tt.wantSent, repo.sentIDs)
			assert.Equal(t, tt.wantFailed, repo.failedIDs)
			assert.Equal(t, tt.wantCalls, tt.publisher.calls())
			assert.Equal(t, tt.wantMetrics, attemptsByResult(t, reg))
		})
	}
}

func TestWorker_ProcessOnce_DeadLetter(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{sampleMessage("msg-2")}}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlqPublisher := &stubPublisher{}
	worker, reg := newTestWorker(t, repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithClock(func() time.Time { return fixedNow }),
	)

	res := worker.ProcessOnce(context.Background())

	assert.Equal(t, BatchResult{Pulled: 1, Failed: 1, DeadLettered: 1}, res)
	assert.Equal(t, []string{"msg-2"}, repo.failedIDs)
	require.Equal(t, 1, dlqPublisher.calls())

	msg := dlqPublisher.last()
	assert.Equal(t, "msg-2", msg.ID)
	assert.Equal(t, "tx-msg-2", msg.AggregateID)
	assert.Equal(t, domain.EventOrderApproved, msg.EventType)

	var letter DeadLetter
	require.NoError(t, json.Unmarshal(msg.Payload, &letter))
	assert.Equal(t, "msg-2", letter.OutboxID)
	assert.Equal(t, "transaction", letter.AggregateType)
	assert.Equal(t, 3, letter.Attempts)
	assert.Contains(t, letter.PublishError, "publish failed")
	assert.True(t, fixedNow.Equal(letter.FailedAt))
	assert.JSONEq(t, `{"status":1001}`, string(letter.Payload))

	attempts := attemptsByResult(t, reg)
	assert.Equal(t, 3.0, attempts["retry_error"])
	assert.Equal(t, 1.0, attempts["dead_lettered"])
}

func TestWorker_ProcessOnce_WaitsBetweenAttempts(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{sampleMessage("msg-3")}}
	worker, _ := newTestWorker(t, repo, &stubPublisher{err: errors.New("down")},
		WithMaxAttempts(4),
		WithRetryBaseDelay(10*time.Millisecond),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	worker.ProcessOnce(context.Background())

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

func TestWorker_ProcessOnce_StopLeavesMessagePending(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{sampleMessage("msg-4")}}
	publisher := &stubPublisher{err: errors.New("down")}
	worker, _ := newTestWorker(t, repo, publisher,
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	res := worker.ProcessOnce(ctx)

	assert.Equal(t, BatchResult{Pulled: 1}, res)
	assert.Equal(t, 1, publisher.calls())
	assert.Empty(t, repo.sentIDs)
	assert.Empty(t, repo.failedIDs)
}

func TestWorker_ProcessOnce_PullError(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pullErr: errors.New("db down")}
	publisher := &stubPublisher{}
	worker, _ := newTestWorker(t, repo, publisher)

	assert.Equal(t, BatchResult{}, worker.ProcessOnce(context.Background()))
	assert.Zero(t, publisher.calls())
}

func TestWorker_ProcessOnce_WithMemoryOutbox(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	for _, id := range []string{"a", "b"} {
		msg := sampleMessage(id)
		msg.ID = ""
		msg.CreatedAt = time.Now().UTC().Add(-time.Minute)
		_, err := repo.Enqueue(ctx, msg)
		require.NoError(t, err)
	}

	publisher := &stubPublisher{}
	worker, reg := newTestWorker(t, repo, publisher)

	res := worker.ProcessOnce(ctx)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, publisher.calls())
	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingCount)
	assert.Equal(t, 0.0, gaugeValue(t, reg, "ordercore_outbox_pending_records"))
}

func TestWorker_BacklogAge(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pullErr: errors.New("skip"), oldest: fixedNow.Add(-90 * time.Second), pendingCount: 7}
	worker, reg := newTestWorker(t, repo, &stubPublisher{}, WithClock(func() time.Time { return fixedNow }))

	worker.ProcessOnce(context.Background())

	assert.Equal(t, 7.0, gaugeValue(t, reg, "ordercore_outbox_pending_records"))
	assert.Equal(t, 90.0, gaugeValue(t, reg, "ordercore_outbox_oldest_pending_age_seconds"))
}

func TestWorker_Backoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{base: 10 * time.Millisecond, attempt: 1, want: 10 * time.Millisecond},
		{base: 10 * time.Millisecond, attempt: 2, want: 20 * time.Millisecond},
		{base: 10 * time.Millisecond, attempt: 3, want: 40 * time.Millisecond},
		{base: time.Second, attempt: 40, want: maxRetryDelay},
		{base: 0, attempt: 5, want: 0},
	}

	for _, tt := range tests {
		worker, _ := newTestWorker(t, &stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(tt.base))
		assert.Equal(t, tt.want, worker.backoff(tt.attempt), "base=%s attempt=%d", tt.base, tt.attempt)
	}
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}

func TestWorker_Run_DisabledWithoutPublisher(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, nil, WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())))
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

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker, _ := newTestWorker(t, &stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

type stubOutboxRepo struct {
	mu           sync.Mutex
	pending      []domain.OutboxMessage
	pullErr      error
	pendingCount int
	oldest       time.Time
	sentIDs      []string
	failedIDs    []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pullErr != nil {
		return nil, s.pullErr
	}
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(_ context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingCount > 0 {
		return domain.OutboxStats{PendingCount: s.pendingCount, OldestPendingAt: s.oldest}, nil
	}
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
}

func (s *stubPublisher) Publish(event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published = append(s.published, event)
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[len(s.published)-1]
}

var (
	_ domain.OutboxRepository = (*stubOutboxRepo)(nil)
	_ domain.OutboxPublisher  = (*stubPublisher)(nil)
)
