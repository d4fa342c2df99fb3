package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// DefaultTransactionTypes — типы документов, доступные без настройки каталога.
func DefaultTransactionTypes() []domain.TransactionType {
	return []domain.TransactionType{
		{ID: domain.TypeGeneric, DisplayName: "General"},
		{ID: domain.TypeSalesOrder, DisplayName: "Sales Order"},
		{ID: domain.TypeInvoice, DisplayName: "Invoice"},
	}
}

// Catalog — in-memory каталог товаров и типов документов.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]domain.Item
	types map[int]domain.TransactionType
}

// NewCatalog создаёт каталог с типами по умолчанию.
func NewCatalog() *Catalog {
	c := &Catalog{
		items: make(map[string]domain.Item),
		types: make(map[int]domain.TransactionType),
	}
	for _, t := range DefaultTransactionTypes() {
		c.types[t.ID] = t
	}
	return c
}

// PutItem добавляет или заменяет товар.
func (c *Catalog) PutItem(item domain.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

// PutType добавляет или заменяет тип документа.
func (c *Catalog) PutType(t domain.TransactionType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t.ID] = t
}

func (c *Catalog) FindItem(ctx context.Context, id string) (domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return domain.Item{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	if !ok {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return item, nil
}

func (c *Catalog) FindType(ctx context.Context, id int) (domain.TransactionType, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransactionType{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.types[id]
	if !ok {
		return domain.TransactionType{}, domain.ErrTypeNotFound
	}
	return t, nil
}

var _ domain.CatalogReader = (*Catalog)(nil)
