package domain

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/ports_mock.go -package=mocks . CatalogReader,StockReader,TransactionRepository

// CatalogReader — чтение каталога товаров и типов документов.
type CatalogReader interface {
	// FindItem возвращает товар или ErrItemNotFound.
	FindItem(ctx context.Context, id string) (Item, error)
	// FindType возвращает тип документа или ErrTypeNotFound.
	FindType(ctx context.Context, id int) (TransactionType, error)
}

// StockReader — чтение складских остатков. Ядро их никогда не изменяет.
type StockReader interface {
	// FindStock возвращает запись остатка или ErrStockNotFound.
	FindStock(ctx context.Context, itemID, warehouseID string) (StockRecord, error)
	// HasUsage сообщает, есть ли записи складского использования по паре (товар, склад).
	HasUsage(ctx context.Context, itemID, warehouseID string) (bool, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит историю жизненного цикла документа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, transactionID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Delete освобождает ключ, чтобы запрос можно было повторить (после сбоя сервера).
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
