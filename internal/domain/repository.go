package domain

import (
	"context"
	"time"
)

// LineChanges — изменения строк, применяемые вместе с заголовком в одной транзакции хранилища.
type LineChanges struct {
	Added   []Line
	Updated []Line
	Removed []string
}

// Empty сообщает, что строки не менялись.
func (c LineChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ListFilter ограничивает выборку документов. Нулевые значения не фильтруют.
type ListFilter struct {
	Type         int
	From         time.Time
	To           time.Time
	NumberPrefix string
	Limit        int
}

// TransactionRepository описывает требования к хранилищу документов.
type TransactionRepository interface {
	// Create атомарно сохраняет заголовок и строки. Коллизия номера даёт ErrNumberTaken.
	Create(ctx context.Context, tx *Transaction) error
	// Get возвращает документ со строками, упорядоченными по Sequence, или ErrTransactionNotFound.
	Get(ctx context.Context, id string) (*Transaction, error)
	// Save обновляет заголовок с учётом optimistic locking и применяет изменения строк атомарно.
	// При успехе tx.Version увеличивается.
	Save(ctx context.Context, tx *Transaction, changes LineChanges) error
	// Delete удаляет строки, затем заголовок, если версия совпадает.
	Delete(ctx context.Context, id string, version int64) error
	// List возвращает заголовки (без строк), новые первыми.
	List(ctx context.Context, filter ListFilter) ([]*Transaction, error)
	// ListNumbers возвращает номера, начинающиеся с prefix.
	ListNumbers(ctx context.Context, prefix string) ([]string, error)
	// NumberExists проверяет точное совпадение номера.
	NumberExists(ctx context.Context, number string) (bool, error)
	// HasDerived сообщает, есть ли документы, созданные из данного.
	HasDerived(ctx context.Context, id string) (bool, error)
}
