package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// transactionRepositoryInMemory хранит документы в памяти (для разработки/тестов).
// Наружу всегда отдаются копии, внутрь сохраняются копии.
type transactionRepositoryInMemory struct {
	mu      sync.RWMutex
	items   map[string]*domain.Transaction
	numbers map[string]string
}

// NewTransactionRepository создаёт in-memory реализацию TransactionRepository.
func NewTransactionRepository() domain.TransactionRepository {
	return &transactionRepositoryInMemory{
		items:   make(map[string]*domain.Transaction),
		numbers: make(map[string]string),
	}
}

// Create сохраняет документ вместе со строками. Номер уникален в пределах хранилища.
func (r *transactionRepositoryInMemory) Create(ctx context.Context, tx *domain.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if _, taken := r.numbers[tx.Number]; taken {
		return domain.ErrNumberTaken
	}

	stored := tx.Clone()
	sortLines(stored.Lines)
	r.items[tx.ID] = stored
	r.numbers[tx.Number] = tx.ID
	return nil
}

// Get возвращает копию документа.
func (r *transactionRepositoryInMemory) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.items[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

// Save применяет изменения строк к сохранённой версии и обновляет заголовок.
func (r *transactionRepositoryInMemory) Save(ctx context.Context, tx *domain.Transaction, changes domain.LineChanges) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[tx.ID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if current.Version != tx.Version {
		return domain.ErrVersionConflict
	}
	if tx.Number != current.Number {
		if owner, taken := r.numbers[tx.Number]; taken && owner != tx.ID {
			return domain.ErrNumberTaken
		}
	}

	// Без изменений строк сохранённый срез переиспользуется: он не меняется на месте.
	lines := current.Lines
	if !changes.Empty() {
		var err error
		if lines, err = applyLineChanges(current.Lines, changes); err != nil {
			return err
		}
	}

	stored := tx.Clone()
	stored.Lines = lines
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt

	if stored.Number != current.Number {
		delete(r.numbers, current.Number)
		r.numbers[stored.Number] = stored.ID
	}
	r.items[tx.ID] = stored
	tx.Version = stored.Version
	return nil
}

// Delete удаляет документ, если версия совпадает.
func (r *transactionRepositoryInMemory) Delete(ctx context.Context, id string, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if current.Version != version {
		return domain.ErrVersionConflict
	}

	delete(r.numbers, current.Number)
	delete(r.items, id)
	return nil
}

// List возвращает заголовки без строк: новые первыми.
func (r *transactionRepositoryInMemory) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Transaction, 0, len(r.items))
	for _, tx := range r.items {
		if !matches(tx, filter) {
			continue
		}
		header := tx.Clone()
		header.Lines = nil
		result = append(result, header)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.After(result[j].Date)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Number > result[j].Number
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListNumbers возвращает номера с заданным префиксом.
func (r *transactionRepositoryInMemory) ListNumbers(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0)
	for number := range r.numbers {
		if strings.HasPrefix(number, prefix) {
			result = append(result, number)
		}
	}
	sort.Strings(result)
	return result, nil
}

// NumberExists проверяет, занят ли номер.
func (r *transactionRepositoryInMemory) NumberExists(ctx context.Context, number string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.numbers[number]
	return ok, nil
}

// HasDerived ищет документы, созданные из данного.
func (r *transactionRepositoryInMemory) HasDerived(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tx := range r.items {
		if tx.SourceOrderID == id {
			return true, nil
		}
	}
	return false, nil
}

func applyLineChanges(current []domain.Line, changes domain.LineChanges) ([]domain.Line, error) {
	lines := make([]domain.Line, 0, len(current)+len(changes.Added))
	index := make(map[string]int, len(current))
	for _, line := range current {
		index[line.ID] = len(lines)
		lines = append(lines, line)
	}

	for _, updated := range changes.Updated {
		i, ok := index[updated.ID]
		if !ok {
			return nil, domain.ErrLineNotFound
		}
		lines[i] = updated
	}

	if len(changes.Removed) > 0 {
		removed := make(map[string]struct{}, len(changes.Removed))
		for _, id := range changes.Removed {
			if _, ok := index[id]; !ok {
				return nil, domain.ErrLineNotFound
			}
			removed[id] = struct{}{}
		}
		kept := lines[:0]
		for _, line := range lines {
			if _, ok := removed[line.ID]; !ok {
				kept = append(kept, line)
			}
		}
		lines = kept
	}

	lines = append(lines, changes.Added...)
	snapshot := &domain.Transaction{Lines: lines}
	lines = snapshot.Clone().Lines
	sortLines(lines)
	return lines, nil
}

func matches(tx *domain.Transaction, filter domain.ListFilter) bool {
	if filter.Type != 0 && tx.Type != filter.Type {
		return false
	}
	if !filter.From.IsZero() && tx.Date.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && tx.Date.After(filter.To) {
		return false
	}
	if filter.NumberPrefix != "" && !strings.HasPrefix(tx.Number, filter.NumberPrefix) {
		return false
	}
	return true
}

func sortLines(lines []domain.Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Sequence < lines[j].Sequence
	})
}

var _ domain.TransactionRepository = (*transactionRepositoryInMemory)(nil)
