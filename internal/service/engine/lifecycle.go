package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Action — переход жизненного цикла.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionInvoice Action = "invoice"
	ActionPay     Action = "pay"
)

// transition — предусловие (тип, статус) и целевой статус.
type transition struct {
	fromType   int
	fromStatus int
	toStatus   int
	event      string
	required   string
}

var transitions = map[Action]transition{
	ActionApprove: {
		fromType:   domain.TypeSalesOrder,
		fromStatus: domain.StatusNew,
		toStatus:   domain.StatusApproved,
		event:      domain.EventOrderApproved,
		required:   "Only NEW sales orders can be approved",
	},
	ActionReject: {
		fromType:   domain.TypeSalesOrder,
		fromStatus: domain.StatusNew,
		toStatus:   domain.StatusRejected,
		event:      domain.EventOrderRejected,
		required:   "Only NEW sales orders can be rejected",
	},
	// Конвертация не меняет статус заказа, она создаёт счёт.
	ActionInvoice: {
		fromType:   domain.TypeSalesOrder,
		fromStatus: domain.StatusApproved,
		toStatus:   domain.StatusApproved,
		event:      domain.EventOrderInvoiced,
		required:   "Only APPROVED sales orders can be converted to invoices",
	},
	ActionPay: {
		fromType:   domain.TypeInvoice,
		fromStatus: domain.StatusOpen,
		toStatus:   domain.StatusPaid,
		event:      domain.EventInvoicePaid,
		required:   "Only OPEN invoices can be marked as paid",
	},
}

// CanTransition сообщает, допустимо ли действие для текущего (тип, статус) документа.
func CanTransition(tx *domain.Transaction, action Action) bool {
	t, ok := transitions[action]
	return ok && tx.Type == t.fromType && tx.Status == t.fromStatus
}

func checkTransition(tx *domain.Transaction, action Action) (transition, error) {
	t := transitions[action]
	if !CanTransition(tx, action) {
		return t, &domain.InvalidStateTransitionError{
			TransactionID: tx.ID,
			Type:          tx.Type,
			Status:        tx.Status,
			Required:      t.required,
		}
	}
	return t, nil
}

// ApproveOrder переводит заказ NEW → APPROVED.
func (e *Engine) ApproveOrder(ctx context.Context, id string) (*domain.Transaction, error) {
	return e.changeStatus(ctx, id, ActionApprove, "")
}

// RejectOrder переводит заказ NEW → REJECTED.
func (e *Engine) RejectOrder(ctx context.Context, id, reason string) (*domain.Transaction, error) {
	return e.changeStatus(ctx, id, ActionReject, reason)
}

// MarkInvoicePaid переводит счёт OPEN → PAID.
func (e *Engine) MarkInvoicePaid(ctx context.Context, id string) (*domain.Transaction, error) {
	return e.changeStatus(ctx, id, ActionPay, "")
}

// changeStatus — общий путь перехода: загрузка, проверка предусловия, запись с проверкой версии.
// Конфликт версий возвращается вызывающему без повторов.
func (e *Engine) changeStatus(ctx context.Context, id string, action Action, reason string) (_ *domain.Transaction, err error) {
	op := string(action)
	defer e.observe(op, time.Now(), &err)
	defer e.recordTransition(action, &err)

	tx, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	t, err := checkTransition(tx, action)
	if err != nil {
		return nil, err
	}

	previous := tx.Status
	tx.Status = t.toStatus
	tx.UpdatedAt = e.now()
	if err := e.txs.Save(ctx, tx, domain.LineChanges{}); err != nil {
		return nil, e.classify(ctx, op, err)
	}

	e.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"action":         op,
		"from":           previous,
		"to":             tx.Status,
	}).Info("transaction status changed")
	e.emit(ctx, tx, t.event, reason, false)
	return tx, nil
}

// ConvertToInvoice создаёт открытый счёт из одобренного заказа: копирует заголовок и все строки
// через снимок, ставит срок оплаты и обратную ссылку на заказ, пересчитывает итоги.
// Остатки повторно не проверяются; сам заказ не изменяется.
// Заказ, из которого уже создан счёт, повторно не конвертируется (ErrTransactionReferenced).
func (e *Engine) ConvertToInvoice(ctx context.Context, orderID string) (_ *domain.Transaction, err error) {
	defer e.observe(string(ActionInvoice), time.Now(), &err)
	defer e.recordTransition(ActionInvoice, &err)

	order, err := e.load(ctx, string(ActionInvoice), orderID)
	if err != nil {
		return nil, err
	}
	t, err := checkTransition(order, ActionInvoice)
	if err != nil {
		return nil, err
	}
	derived, err := e.txs.HasDerived(ctx, order.ID)
	if err != nil {
		return nil, e.classify(ctx, string(ActionInvoice), err)
	}
	if derived {
		return nil, domain.ErrTransactionReferenced
	}

	now := e.now()
	due := now.AddDate(0, 0, e.cfg.PaymentTermDays)

	snapshot := order.Snapshot()
	snapshot.Type = domain.TypeInvoice
	snapshot.Status = domain.StatusOpen
	snapshot.Date = now
	snapshot.DueDate = &due
	snapshot.SourceOrderID = order.ID

	invoice := snapshot.Materialize()
	invoice.ID = e.newID()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now
	for i := range invoice.Lines {
		invoice.Lines[i].ID = e.newID()
		invoice.Lines[i].TransactionID = invoice.ID
	}
	invoice.Recalculate()

	if err := e.insert(ctx, invoice, false); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TransactionCreated(invoice.Type)
	}
	e.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"invoice_id": invoice.ID,
		"number":     invoice.Number,
	}).Info("sales order converted to invoice")
	e.emitAt(ctx, order, now, t.event, invoice.ID, false)
	e.emit(ctx, invoice, domain.EventTransactionCreated, "created from order "+order.Number, true)

	return invoice, nil
}

func (e *Engine) recordTransition(action Action, err *error) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransitionRecorded(string(action), resultOf(*err))
}
