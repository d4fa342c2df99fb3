package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// CatalogRepository читает каталог товаров, типы документов и складские остатки.
// Методы Upsert* и AddUsage используются для первичного наполнения справочников.
type CatalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию CatalogReader и StockReader.
func NewCatalogRepository(store *Store) *CatalogRepository {
	return &CatalogRepository{db: store.DB()}
}

func (r *CatalogRepository) FindItem(ctx context.Context, id string) (domain.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var item domain.Item
	err := r.db.QueryRowContext(ctx, `SELECT id, name FROM items WHERE id = $1`, id).Scan(&item.ID, &item.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Item{}, domain.ErrItemNotFound
		}
		return domain.Item{}, fmt.Errorf("select item: %w", err)
	}
	return item, nil
}

func (r *CatalogRepository) FindType(ctx context.Context, id int) (domain.TransactionType, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var t domain.TransactionType
	err := r.db.QueryRowContext(ctx, `
		SELECT id, display_name
		FROM transaction_types
		WHERE id = $1
	`, id).Scan(&t.ID, &t.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransactionType{}, domain.ErrTypeNotFound
		}
		return domain.TransactionType{}, fmt.Errorf("select transaction type: %w", err)
	}
	return t, nil
}

func (r *CatalogRepository) FindStock(ctx context.Context, itemID, warehouseID string) (domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec := domain.StockRecord{ItemID: itemID, WarehouseID: warehouseID}
	err := r.db.QueryRowContext(ctx, `
		SELECT on_hand, reserved, damaged
		FROM item_warehouses
		WHERE item_id = $1
		  AND warehouse_id = $2
	`, itemID, warehouseID).Scan(&rec.OnHand, &rec.Reserved, &rec.Damaged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockRecord{}, &domain.StockNotFoundError{ItemID: itemID, WarehouseID: warehouseID}
		}
		return domain.StockRecord{}, fmt.Errorf("select stock: %w", err)
	}
	return rec, nil
}

func (r *CatalogRepository) HasUsage(ctx context.Context, itemID, warehouseID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var used bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM stock_usages
			WHERE item_id = $1
			  AND warehouse_id = $2
		)
	`, itemID, warehouseID).Scan(&used); err != nil {
		return false, fmt.Errorf("check stock usage: %w", err)
	}
	return used, nil
}

// UpsertItem добавляет или переименовывает товар.
func (r *CatalogRepository) UpsertItem(ctx context.Context, item domain.Item) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO items (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, item.ID, item.Name); err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// UpsertStock задаёт остаток по паре (товар, склад).
func (r *CatalogRepository) UpsertStock(ctx context.Context, rec domain.StockRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO item_warehouses (item_id, warehouse_id, on_hand, reserved, damaged)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_id, warehouse_id) DO UPDATE
		SET on_hand = EXCLUDED.on_hand,
		    reserved = EXCLUDED.reserved,
		    damaged = EXCLUDED.damaged
	`, rec.ItemID, rec.WarehouseID, rec.OnHand, rec.Reserved, rec.Damaged); err != nil {
		return fmt.Errorf("upsert stock: %w", err)
	}
	return nil
}

// AddUsage регистрирует складское использование пары (товар, склад).
func (r *CatalogRepository) AddUsage(ctx context.Context, itemID, warehouseID string, quantity decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO stock_usages (item_id, warehouse_id, quantity)
		VALUES ($1, $2, $3)
	`, itemID, warehouseID, quantity); err != nil {
		return fmt.Errorf("insert stock usage: %w", err)
	}
	return nil
}

var (
	_ domain.CatalogReader = (*CatalogRepository)(nil)
	_ domain.StockReader   = (*CatalogRepository)(nil)
)
