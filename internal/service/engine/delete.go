package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// DeleteTransaction удаляет документ вместе со строками. Удаление запрещено, если из документа
// создан другой документ или на пару (товар, склад) любой его строки ссылаются записи
// складского использования. Это проверка, а не каскадное удаление.
func (e *Engine) DeleteTransaction(ctx context.Context, id string) (err error) {
	defer e.observe("delete", time.Now(), &err)

	tx, err := e.load(ctx, "delete", id)
	if err != nil {
		return err
	}

	derived, err := e.txs.HasDerived(ctx, tx.ID)
	if err != nil {
		return e.classify(ctx, "delete", err)
	}
	if derived {
		return domain.ErrTransactionReferenced
	}

	if e.stock != nil {
		seen := make(map[[2]string]struct{}, len(tx.Lines))
		for _, line := range tx.Lines {
			if line.ItemID == "" || line.WarehouseID == "" {
				continue
			}
			key := [2]string{line.ItemID, line.WarehouseID}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			used, err := e.stock.HasUsage(ctx, line.ItemID, line.WarehouseID)
			if err != nil {
				return e.classify(ctx, "delete", err)
			}
			if used {
				return &domain.DependentUsageError{
					TransactionID: tx.ID,
					ItemID:        line.ItemID,
					WarehouseID:   line.WarehouseID,
				}
			}
		}
	}

	if err := e.txs.Delete(ctx, tx.ID, tx.Version); err != nil {
		return e.classify(ctx, "delete", err)
	}

	e.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"number":         tx.Number,
		"lines":          len(tx.Lines),
	}).Info("transaction deleted")
	e.emit(ctx, tx, domain.EventTransactionDeleted, "", false)
	return nil
}
