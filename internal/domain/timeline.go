package domain

import "time"

// Типы событий истории документа. Совпадают с типами событий outbox.
const (
	EventTransactionCreated = "transaction.created"
	EventLinesChanged       = "transaction.lines_changed"
	EventDiscountChanged    = "transaction.discount_changed"
	EventTotalsRecalculated = "transaction.totals_recalculated"
	EventTransactionDeleted = "transaction.deleted"
	EventOrderApproved      = "order.approved"
	EventOrderRejected      = "order.rejected"
	EventOrderInvoiced      = "order.invoiced"
	EventInvoicePaid        = "invoice.paid"
)

// TimelineEvent описывает событие в жизненном цикле документа.
type TimelineEvent struct {
	TransactionID string
	Type          string
	Reason        string
	Occurred      time.Time
}
