package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

type stockKey struct {
	itemID      string
	warehouseID string
}

// StockStore — in-memory складские остатки и отметки складского использования.
// Движок только читает его; наполнение идёт через PutStock и AddUsage.
type StockStore struct {
	mu      sync.RWMutex
	records map[stockKey]domain.StockRecord
	usages  map[stockKey]int
}

// NewStockStore создаёт пустое хранилище остатков.
func NewStockStore() *StockStore {
	return &StockStore{
		records: make(map[stockKey]domain.StockRecord),
		usages:  make(map[stockKey]int),
	}
}

// PutStock добавляет или заменяет запись остатка.
func (s *StockStore) PutStock(rec domain.StockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[stockKey{rec.ItemID, rec.WarehouseID}] = rec
}

// AddUsage регистрирует запись складского использования по паре (товар, склад).
func (s *StockStore) AddUsage(itemID, warehouseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usages[stockKey{itemID, warehouseID}]++
}

func (s *StockStore) FindStock(ctx context.Context, itemID, warehouseID string) (domain.StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[stockKey{itemID, warehouseID}]
	if !ok {
		return domain.StockRecord{}, &domain.StockNotFoundError{ItemID: itemID, WarehouseID: warehouseID}
	}
	return rec, nil
}

func (s *StockStore) HasUsage(ctx context.Context, itemID, warehouseID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usages[stockKey{itemID, warehouseID}] > 0, nil
}

var _ domain.StockReader = (*StockStore)(nil)
