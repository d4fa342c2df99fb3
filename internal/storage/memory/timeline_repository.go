package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// TimelineRepository хранит историю документов в памяти, упорядоченную по occurred.
// События с одинаковым временем остаются в порядке добавления.
type TimelineRepository struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт пустую историю.
func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{events: make(map[string][]domain.TimelineEvent)}
}

func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.events[event.TransactionID]
	// Первая позиция строго позже event.Occurred.
	at, _ := slices.BinarySearchFunc(history, event, func(e, target domain.TimelineEvent) int {
		if e.Occurred.After(target.Occurred) {
			return 1
		}
		return -1
	})
	r.events[event.TransactionID] = slices.Insert(history, at, event)
	return nil
}

func (r *TimelineRepository) List(ctx context.Context, transactionID string) ([]domain.TimelineEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	history := r.events[transactionID]
	return append(make([]domain.TimelineEvent, 0, len(history)), history...), nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
