package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// AddItemsToTransaction добавляет строки с номерами max+1, max+2, ... и пересчитывает итоги.
func (e *Engine) AddItemsToTransaction(ctx context.Context, id string, lines []domain.Line) (_ *domain.Transaction, err error) {
	defer e.observe("add_items", time.Now(), &err)

	if err := domain.ValidateLines(lines); err != nil {
		return nil, err
	}

	tx, err := e.load(ctx, "add_items", id)
	if err != nil {
		return nil, err
	}

	added := make([]domain.Line, 0, len(lines))
	for _, line := range lines {
		line.ID = e.newID()
		line.TransactionID = tx.ID
		line.Sequence = tx.NextSequence()
		line.LineTotal = domain.LineTotal(line)
		tx.Lines = append(tx.Lines, line)
		added = append(added, line)
	}

	if err := e.saveWithTotals(ctx, "add_items", tx, domain.LineChanges{Added: added}); err != nil {
		return nil, err
	}
	e.emit(ctx, tx, domain.EventLinesChanged, "lines added", false)
	return tx, nil
}

// UpdateTransactionItem заменяет поля строки и пересчитывает её итог и итоги документа.
// Идентичность строки (id, документ, номер строки) не меняется.
func (e *Engine) UpdateTransactionItem(ctx context.Context, id, lineID string, line domain.Line) (_ *domain.Transaction, err error) {
	defer e.observe("update_item", time.Now(), &err)

	if err := line.Validate(); err != nil {
		return nil, err
	}

	tx, err := e.load(ctx, "update_item", id)
	if err != nil {
		return nil, err
	}
	idx, ok := tx.FindLine(lineID)
	if !ok {
		return nil, domain.ErrLineNotFound
	}

	current := tx.Lines[idx]
	line.ID = current.ID
	line.TransactionID = current.TransactionID
	line.Sequence = current.Sequence
	line.LineTotal = domain.LineTotal(line)
	tx.Lines[idx] = line

	if err := e.saveWithTotals(ctx, "update_item", tx, domain.LineChanges{Updated: []domain.Line{line}}); err != nil {
		return nil, err
	}
	e.emit(ctx, tx, domain.EventLinesChanged, "line updated", false)
	return tx, nil
}

// RemoveItemFromTransaction удаляет строку и пересчитывает итоги.
func (e *Engine) RemoveItemFromTransaction(ctx context.Context, id, lineID string) (_ *domain.Transaction, err error) {
	defer e.observe("remove_item", time.Now(), &err)

	tx, err := e.load(ctx, "remove_item", id)
	if err != nil {
		return nil, err
	}
	idx, ok := tx.FindLine(lineID)
	if !ok {
		return nil, domain.ErrLineNotFound
	}

	tx.Lines = append(tx.Lines[:idx], tx.Lines[idx+1:]...)

	if err := e.saveWithTotals(ctx, "remove_item", tx, domain.LineChanges{Removed: []string{lineID}}); err != nil {
		return nil, err
	}
	e.emit(ctx, tx, domain.EventLinesChanged, "line removed", false)
	return tx, nil
}

// SetHeaderDiscount меняет скидку на документ (nil снимает её) и пересчитывает итоги.
func (e *Engine) SetHeaderDiscount(ctx context.Context, id string, pct *decimal.Decimal) (_ *domain.Transaction, err error) {
	defer e.observe("set_discount", time.Now(), &err)

	if err := domain.ValidateHeaderDiscount(pct); err != nil {
		return nil, err
	}

	tx, err := e.load(ctx, "set_discount", id)
	if err != nil {
		return nil, err
	}
	tx.HeaderDiscountPct = pct

	if err := e.saveWithTotals(ctx, "set_discount", tx, domain.LineChanges{}); err != nil {
		return nil, err
	}
	e.emit(ctx, tx, domain.EventDiscountChanged, "", false)
	return tx, nil
}

// RecalculateTotals пересчитывает итоги заголовка по сохранённым итогам строк и сохраняет их.
// Если итоги не изменились, запись не выполняется.
func (e *Engine) RecalculateTotals(ctx context.Context, id string) (_ domain.Totals, err error) {
	defer e.observe("recalculate", time.Now(), &err)

	tx, err := e.load(ctx, "recalculate", id)
	if err != nil {
		return domain.Totals{}, err
	}

	totals := domain.ComputeTotals(tx.Lines, tx.HeaderDiscountPct)
	if totals.Equal(tx.Totals()) {
		return totals, nil
	}

	tx.Subtotal = totals.Subtotal
	tx.TotalDiscount = totals.TotalDiscount
	tx.FinalTotal = totals.FinalTotal
	tx.UpdatedAt = e.now()
	if err := e.txs.Save(ctx, tx, domain.LineChanges{}); err != nil {
		return domain.Totals{}, e.classify(ctx, "recalculate", err)
	}

	e.emit(ctx, tx, domain.EventTotalsRecalculated, "", false)
	return totals, nil
}

// saveWithTotals пересчитывает итоги и сохраняет заголовок вместе с изменениями строк.
func (e *Engine) saveWithTotals(ctx context.Context, op string, tx *domain.Transaction, changes domain.LineChanges) error {
	totals := domain.ComputeTotals(tx.Lines, tx.HeaderDiscountPct)
	tx.Subtotal = totals.Subtotal
	tx.TotalDiscount = totals.TotalDiscount
	tx.FinalTotal = totals.FinalTotal
	tx.UpdatedAt = e.now()

	if err := e.txs.Save(ctx, tx, changes); err != nil {
		return e.classify(ctx, op, err)
	}

	e.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"operation":      op,
		"subtotal":       tx.Subtotal.String(),
		"final_total":    tx.FinalTotal.String(),
	}).Debug("transaction totals updated")
	return nil
}
