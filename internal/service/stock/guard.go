// Package stock проверяет доступность остатков при создании исходящих документов.
package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Причины отказа для метрик.
const (
	ReasonNotFound     = "stock_not_found"
	ReasonInsufficient = "insufficient_stock"
)

// Observer получает отказы проверки.
type Observer interface {
	StockRejected(reason string)
}

// Guard сверяет запрошенные количества с доступным остатком (на руках минус резерв).
// Сам ничего не резервирует.
type Guard struct {
	stock    domain.StockReader
	catalog  domain.CatalogReader
	observer Observer
	logger   *log.Entry
}

// NewGuard создаёт проверку остатков. catalog нужен только для имени товара в ошибке.
func NewGuard(stock domain.StockReader, catalog domain.CatalogReader, observer Observer) *Guard {
	return &Guard{
		stock:    stock,
		catalog:  catalog,
		observer: observer,
		logger:   log.WithField("component", "stock-guard"),
	}
}

type stockKey struct {
	itemID      string
	warehouseID string
}

// Check проверяет строки документа типа txType. Для не исходящих типов всегда nil.
// Каждая строка сверяется с остатком отдельно; остаток пары читается один раз за вызов.
func (g *Guard) Check(ctx context.Context, txType int, lines []domain.Line) error {
	if !domain.IsOutgoing(txType) {
		return nil
	}

	records := make(map[stockKey]domain.StockRecord, len(lines))
	for _, line := range lines {
		if line.ItemID == "" || line.WarehouseID == "" || !line.Quantity.IsPositive() {
			continue
		}
		key := stockKey{itemID: line.ItemID, warehouseID: line.WarehouseID}
		record, ok := records[key]
		if !ok {
			var err error
			record, err = g.stock.FindStock(ctx, key.itemID, key.warehouseID)
			if err != nil {
				if errors.Is(err, domain.ErrStockNotFound) {
					g.reject(ReasonNotFound, key)
					return &domain.StockNotFoundError{ItemID: key.itemID, WarehouseID: key.warehouseID}
				}
				return fmt.Errorf("find stock %s/%s: %w", key.itemID, key.warehouseID, err)
			}
			records[key] = record
		}

		if err := g.compare(ctx, key, record.Available(), line.Quantity); err != nil {
			return err
		}
	}

	return nil
}

func (g *Guard) compare(ctx context.Context, key stockKey, available, requested decimal.Decimal) error {
	if !available.LessThan(requested) {
		return nil
	}
	g.reject(ReasonInsufficient, key)
	name, err := g.itemName(ctx, key.itemID)
	if err != nil {
		return err
	}
	return &domain.InsufficientStockError{
		ItemID:      key.itemID,
		ItemName:    name,
		WarehouseID: key.warehouseID,
		Available:   available,
		Requested:   requested,
	}
}

func (g *Guard) itemName(ctx context.Context, itemID string) (string, error) {
	if g.catalog == nil {
		return itemID, nil
	}
	item, err := g.catalog.FindItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			return itemID, nil
		}
		return "", fmt.Errorf("find item %s: %w", itemID, err)
	}
	if item.Name == "" {
		return itemID, nil
	}
	return item.Name, nil
}

func (g *Guard) reject(reason string, key stockKey) {
	if g.observer != nil {
		g.observer.StockRejected(reason)
	}
	g.logger.WithFields(log.Fields{
		"reason":       reason,
		"item_id":      key.itemID,
		"warehouse_id": key.warehouseID,
	}).Info("stock check rejected")
}
