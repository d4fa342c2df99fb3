package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/postgres"
)

type runtimeDependencies struct {
	transactions domain.TransactionRepository
	catalog      domain.CatalogReader
	stock        domain.StockReader
	timeline     domain.TimelineRepository
	outbox       domain.OutboxRepository
	idempotency  domain.IdempotencyRepository

	ping  func(ctx context.Context) error
	close func() error
}

func initRuntimeDependencies(ctx context.Context, cfg StorageConfig, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.Driver {
	case "", StorageDriverMemory:
		return initMemoryDependencies(cfg, logger), nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func initMemoryDependencies(cfg StorageConfig, logger *log.Entry) *runtimeDependencies {
	catalog := memory.NewCatalog()
	stock := memory.NewStockStore()
	if cfg.SeedDemo {
		for _, item := range demoItems() {
			catalog.PutItem(item)
		}
		for _, rec := range demoStock() {
			stock.PutStock(rec)
		}
		logger.WithField("items", len(demoItems())).Info("demo catalog seeded")
	}

	logger.Info("using in-memory storage")
	return &runtimeDependencies{
		transactions: memory.NewTransactionRepository(),
		catalog:      catalog,
		stock:        stock,
		timeline:     memory.NewTimelineRepository(),
		outbox:       memory.NewOutboxRepository(),
		idempotency:  memory.NewIdempotencyRepository(),
		ping:         func(context.Context) error { return nil },
		close:        func() error { return nil },
	}
}

func initPostgresDependencies(ctx context.Context, cfg StorageConfig, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres storage requires dsn")
	}

	pool := postgres.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.MaxOpenConns
		pool.MaxIdleConns = cfg.MaxOpenConns
	}
	store, err := postgres.OpenWithPool(ctx, cfg.PostgresDSN, pool)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	catalog := postgres.NewCatalogRepository(store)
	if cfg.SeedDemo {
		if err := seedPostgresCatalog(ctx, catalog); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.WithField("items", len(demoItems())).Info("demo catalog seeded")
	}

	logger.Info("using postgres storage")
	return &runtimeDependencies{
		transactions: postgres.NewTransactionRepository(store),
		catalog:      catalog,
		stock:        catalog,
		timeline:     postgres.NewTimelineRepository(store),
		outbox:       postgres.NewOutboxRepository(store),
		idempotency:  postgres.NewIdempotencyRepository(store),
		ping:         store.Ping,
		close:        store.Close,
	}, nil
}

func seedPostgresCatalog(ctx context.Context, catalog *postgres.CatalogRepository) error {
	for _, item := range demoItems() {
		if err := catalog.UpsertItem(ctx, item); err != nil {
			return fmt.Errorf("seed item %s: %w", item.ID, err)
		}
	}
	for _, rec := range demoStock() {
		if err := catalog.UpsertStock(ctx, rec); err != nil {
			return fmt.Errorf("seed stock %s/%s: %w", rec.ItemID, rec.WarehouseID, err)
		}
	}
	return nil
}

func demoItems() []domain.Item {
	return []domain.Item{
		{ID: "item-1", Name: "Demo widget"},
		{ID: "item-2", Name: "Demo gadget"},
		{ID: "item-3", Name: "Demo gizmo"},
	}
}

func demoStock() []domain.StockRecord {
	onHand := decimal.NewFromInt(1_000_000)
	return []domain.StockRecord{
		{ItemID: "item-1", WarehouseID: "wh-1", OnHand: onHand},
		{ItemID: "item-2", WarehouseID: "wh-1", OnHand: onHand},
		{ItemID: "item-3", WarehouseID: "wh-1", OnHand: onHand},
	}
}
