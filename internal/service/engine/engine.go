// Package engine — движок обработки документов: создание с проверкой остатков и нумерацией,
// изменение строк с пересчётом итогов и переходы жизненного цикла заказ → счёт → оплата.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Numberer выдаёт номера документов.
type Numberer interface {
	Next(ctx context.Context, typeID int) (string, error)
	Fallback(ctx context.Context, typeID int) (string, error)
}

// StockChecker проверяет остатки для исходящих документов.
type StockChecker interface {
	Check(ctx context.Context, txType int, lines []domain.Line) error
}

// Metrics — наблюдатель операций движка.
type Metrics interface {
	TransactionCreated(txType int)
	TransitionRecorded(action, result string)
	ObserveOperation(operation, result string, duration time.Duration)
	TimelineEvent()
	OutboxEnqueued()
}

// Dependencies — порты, которые движок получает явно.
type Dependencies struct {
	Transactions domain.TransactionRepository
	Stock        domain.StockReader
	Numbers      Numberer
	Guard        StockChecker
	// Timeline, Outbox и Metrics опциональны.
	Timeline domain.TimelineRepository
	Outbox   domain.OutboxRepository
	Metrics  Metrics
}

// Config — параметры бизнес-правил движка.
type Config struct {
	// PaymentTermDays — срок оплаты счёта, созданного из заказа.
	PaymentTermDays int
	// NumberAttempts — сколько раз запросить новый номер при коллизии на вставке,
	// прежде чем перейти к номеру с суффиксом из времени.
	NumberAttempts int
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		PaymentTermDays: domain.DefaultPaymentTermDays,
		NumberAttempts:  5,
	}
}

const fallbackAttempts = 3

// Option настраивает Engine.
type Option func(*Engine)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine — Order Processing Engine.
type Engine struct {
	txs      domain.TransactionRepository
	stock    domain.StockReader
	numbers  Numberer
	guard    StockChecker
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	metrics  Metrics
	cfg      Config
	now      func() time.Time
	newID    func() string
	logger   *log.Entry
}

// New создаёт движок.
func New(deps Dependencies, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.PaymentTermDays <= 0 {
		cfg.PaymentTermDays = def.PaymentTermDays
	}
	if cfg.NumberAttempts <= 0 {
		cfg.NumberAttempts = def.NumberAttempts
	}

	e := &Engine{
		txs:      deps.Transactions,
		stock:    deps.Stock,
		numbers:  deps.Numbers,
		guard:    deps.Guard,
		timeline: deps.Timeline,
		outbox:   deps.Outbox,
		metrics:  deps.Metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		logger:   log.WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// classify приводит ошибку хранилища к таксономии: бизнес-ошибки проходят как есть,
// отмена и дедлайн становятся OperationFailedError, остальное — PersistenceError.
func (e *Engine) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsBusiness(err) ||
		errors.Is(err, domain.ErrOperationFailed) ||
		errors.Is(err, domain.ErrPersistence) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &domain.OperationFailedError{Op: op, Err: err}
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

// observe пишет длительность операции; вызывается через defer с указателем на итоговую ошибку.
func (e *Engine) observe(operation string, start time.Time, err *error) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveOperation(operation, resultOf(*err), time.Since(start))
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsBusiness(err):
		return "rejected"
	default:
		return "error"
	}
}

// load загружает документ и классифицирует ошибку.
func (e *Engine) load(ctx context.Context, op, id string) (*domain.Transaction, error) {
	tx, err := e.txs.Get(ctx, id)
	if err != nil {
		return nil, e.classify(ctx, op, err)
	}
	return tx, nil
}

// GetTransactionWithItems возвращает документ со строками, упорядоченными по номеру строки.
func (e *Engine) GetTransactionWithItems(ctx context.Context, id string) (*domain.Transaction, error) {
	return e.load(ctx, "get", id)
}

// ListTransactions возвращает заголовки документов по фильтру.
func (e *Engine) ListTransactions(ctx context.Context, filter domain.ListFilter) ([]*domain.Transaction, error) {
	txs, err := e.txs.List(ctx, filter)
	if err != nil {
		return nil, e.classify(ctx, "list", err)
	}
	return txs, nil
}

// Timeline возвращает историю документа.
func (e *Engine) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	if _, err := e.load(ctx, "timeline", id); err != nil {
		return nil, err
	}
	if e.timeline == nil {
		return nil, nil
	}
	events, err := e.timeline.List(ctx, id)
	if err != nil {
		return nil, e.classify(ctx, "timeline", err)
	}
	return events, nil
}
