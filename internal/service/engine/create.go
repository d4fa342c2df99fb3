package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// CreateTransactionWithItems создаёт документ со строками одной атомарной записью.
// Порядок: валидация → проверка остатков (для исходящих типов) → номер → итоги → запись.
// Номер генерируется, только если header.Number пуст.
func (e *Engine) CreateTransactionWithItems(ctx context.Context, header domain.Transaction, lines []domain.Line) (_ *domain.Transaction, err error) {
	defer e.observe("create", time.Now(), &err)

	if err := validateHeader(header); err != nil {
		return nil, err
	}
	if err := domain.ValidateLines(lines); err != nil {
		return nil, err
	}
	if e.guard != nil {
		if err := e.guard.Check(ctx, header.Type, lines); err != nil {
			return nil, e.classify(ctx, "create", err)
		}
	}

	now := e.now()
	tx := header.Snapshot().Materialize()
	tx.ID = e.newID()
	tx.Number = header.Number
	tx.Version = 0
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if tx.Date.IsZero() {
		tx.Date = now
	}
	if tx.Status == 0 {
		tx.Status = domain.DefaultStatus(tx.Type)
	}

	tx.Lines = make([]domain.Line, 0, len(lines))
	for i, line := range lines {
		line.ID = e.newID()
		line.TransactionID = tx.ID
		line.Sequence = i + 1
		tx.Lines = append(tx.Lines, line)
	}
	tx.Recalculate()

	if err := e.insert(ctx, tx, header.Number != ""); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TransactionCreated(tx.Type)
	}
	e.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"number":         tx.Number,
		"type":           tx.Type,
		"lines":          len(tx.Lines),
	}).Info("transaction created")
	e.emit(ctx, tx, domain.EventTransactionCreated, "", true)

	return tx, nil
}

// insert сохраняет документ, подбирая номер. Коллизия уникального номера на вставке
// поглощается: номер запрашивается заново, затем используется номер из времени.
func (e *Engine) insert(ctx context.Context, tx *domain.Transaction, numberSupplied bool) error {
	if numberSupplied {
		err := e.txs.Create(ctx, tx)
		if errors.Is(err, domain.ErrNumberTaken) {
			return domain.ErrDuplicateNumber
		}
		return e.classify(ctx, "create", err)
	}

	total := e.cfg.NumberAttempts + fallbackAttempts
	for attempt := 1; attempt <= total; attempt++ {
		var (
			number string
			err    error
		)
		if attempt <= e.cfg.NumberAttempts {
			number, err = e.numbers.Next(ctx, tx.Type)
		} else {
			number, err = e.numbers.Fallback(ctx, tx.Type)
		}
		if err != nil {
			return e.classify(ctx, "create", fmt.Errorf("generate number: %w", err))
		}

		tx.Number = number
		err = e.txs.Create(ctx, tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrNumberTaken) {
			return e.classify(ctx, "create", err)
		}

		e.logger.WithFields(log.Fields{
			"number":  number,
			"attempt": attempt,
		}).Debug("number collided on insert, requesting another")
	}

	return &domain.PersistenceError{Op: "create", Err: fmt.Errorf("no free number after %d attempts: %w", total, domain.ErrNumberTaken)}
}

func validateHeader(header domain.Transaction) error {
	var fields []domain.FieldViolation
	if header.Type <= 0 {
		fields = append(fields, domain.FieldViolation{Field: "type", Message: "Transaction type is required"})
	}
	// Заказ и счёт стартуют только с начального статуса; дальше статус меняют переходы.
	if initial := domain.DefaultStatus(header.Type); initial != 0 && header.Status != 0 && header.Status != initial {
		fields = append(fields, domain.FieldViolation{
			Field:   "status",
			Message: fmt.Sprintf("Documents of type %d must be created with status %d", header.Type, initial),
		})
	}
	if err := domain.ValidateHeaderDiscount(header.HeaderDiscountPct); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			fields = append(fields, verr.Fields...)
		}
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}
