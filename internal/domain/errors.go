package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound — общий признак отсутствующей сущности.
	ErrNotFound = errors.New("not found")
	// ErrTransactionNotFound возвращается, если документ не найден в репозитории.
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	// ErrLineNotFound возвращается, если строка не принадлежит документу или отсутствует.
	ErrLineNotFound = fmt.Errorf("transaction line %w", ErrNotFound)
	// ErrItemNotFound возвращается каталогом для неизвестного товара.
	ErrItemNotFound = fmt.Errorf("item %w", ErrNotFound)
	// ErrTypeNotFound возвращается каталогом для неизвестного типа документа.
	ErrTypeNotFound = fmt.Errorf("transaction type %w", ErrNotFound)

	// ErrVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrVersionConflict = errors.New("transaction was modified concurrently, reload and retry")
	// ErrInvalidStateTransition — переход статуса не разрешён из текущего состояния.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrStockNotFound — для пары (товар, склад) нет складской записи.
	ErrStockNotFound = errors.New("stock record not found")
	// ErrInsufficientStock — доступного остатка не хватает.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrValidation — некорректные входные данные.
	ErrValidation = errors.New("validation failed")
	// ErrDependentUsage — на товар/склад документа ссылаются записи складского использования.
	ErrDependentUsage = errors.New("transaction lines have dependent stock usages")
	// ErrTransactionReferenced — из документа уже создан другой документ.
	ErrTransactionReferenced = errors.New("transaction is referenced by derived documents")
	// ErrDuplicateNumber — переданный вызывающим номер уже занят.
	ErrDuplicateNumber = errors.New("transaction number already exists")
	// ErrNumberTaken — внутренняя коллизия сгенерированного номера, наружу не выходит.
	ErrNumberTaken = errors.New("transaction number taken")
	// ErrOperationFailed — операция прервана дедлайном или отменой вызывающего.
	ErrOperationFailed = errors.New("operation failed")
	// ErrPersistence — сбой хранилища.
	ErrPersistence = errors.New("persistence failure")
	// ErrOutboxMessageNotFound — в outbox нет сообщения с таким id.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
)

// InvalidStateTransitionError описывает нарушенное предусловие перехода.
type InvalidStateTransitionError struct {
	TransactionID string
	Type          int
	Status        int
	// Required — человекочитаемое предусловие, например "Only NEW sales orders can be approved".
	Required string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s (transaction %s has type %d, status %d)", e.Required, e.TransactionID, e.Type, e.Status)
}

// Is позволяет сравнивать через errors.Is с ErrInvalidStateTransition.
func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// StockNotFoundError — нет складской записи для пары (товар, склад).
type StockNotFoundError struct {
	ItemID      string
	WarehouseID string
}

func (e *StockNotFoundError) Error() string {
	return fmt.Sprintf("no stock record for item %s in warehouse %s", e.ItemID, e.WarehouseID)
}

func (e *StockNotFoundError) Is(target error) bool {
	return target == ErrStockNotFound
}

// InsufficientStockError несёт доступный и запрошенный остаток.
type InsufficientStockError struct {
	ItemID      string
	ItemName    string
	WarehouseID string
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s in warehouse %s: available %s, requested %s",
		e.ItemName, e.WarehouseID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// FieldViolation — одно нарушение валидации.
type FieldViolation struct {
	Field   string
	Message string
}

// ValidationError собирает все нарушения входных данных.
type ValidationError struct {
	Fields []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DependentUsageError блокирует удаление документа.
type DependentUsageError struct {
	TransactionID string
	ItemID        string
	WarehouseID   string
}

func (e *DependentUsageError) Error() string {
	return fmt.Sprintf("transaction %s cannot be deleted: item %s in warehouse %s has dependent stock usages",
		e.TransactionID, e.ItemID, e.WarehouseID)
}

func (e *DependentUsageError) Is(target error) bool {
	return target == ErrDependentUsage
}

// OperationFailedError — операция прервана по контексту вызывающего.
type OperationFailedError struct {
	Op  string
	Err error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("%s: operation failed: %v", e.Op, e.Err)
}

func (e *OperationFailedError) Unwrap() error { return e.Err }

func (e *OperationFailedError) Is(target error) bool {
	return target == ErrOperationFailed
}

// PersistenceError оборачивает сбой хранилища.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound проверяет, что ошибка означает отсутствующую сущность.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBusiness сообщает, что ошибка — ожидаемая бизнес-ошибка и должна уходить наружу как есть.
func IsBusiness(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrVersionConflict,
		ErrInvalidStateTransition,
		ErrStockNotFound,
		ErrInsufficientStock,
		ErrValidation,
		ErrDependentUsage,
		ErrTransactionReferenced,
		ErrDuplicateNumber,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
