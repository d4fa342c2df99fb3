package engine

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// AggregateTransaction — тип агрегата в outbox.
const AggregateTransaction = "transaction"

// EventPayload — полезная нагрузка события outbox.
type EventPayload struct {
	TransactionID string           `json:"transaction_id"`
	Number        string           `json:"number"`
	Type          int              `json:"type"`
	Status        int              `json:"status"`
	Version       int64            `json:"version"`
	Reason        string           `json:"reason,omitempty"`
	Subtotal      string           `json:"subtotal"`
	TotalDiscount string           `json:"total_discount"`
	FinalTotal    string           `json:"final_total"`
	Snapshot      *domain.Snapshot `json:"snapshot,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// emit пишет событие в outbox и историю с временем последнего изменения документа.
// Ошибки логируются и не влияют на результат операции.
func (e *Engine) emit(ctx context.Context, tx *domain.Transaction, eventType, reason string, withSnapshot bool) {
	e.emitAt(ctx, tx, tx.UpdatedAt, eventType, reason, withSnapshot)
}

// emitAt — emit с явным временем события, для документов, которые операция не меняла.
func (e *Engine) emitAt(ctx context.Context, tx *domain.Transaction, occurred time.Time, eventType, reason string, withSnapshot bool) {
	if occurred.IsZero() {
		occurred = e.now()
	}

	fields := log.Fields{
		"transaction_id": tx.ID,
		"event":          eventType,
	}

	if e.outbox != nil {
		payload := EventPayload{
			TransactionID: tx.ID,
			Number:        tx.Number,
			Type:          tx.Type,
			Status:        tx.Status,
			Version:       tx.Version,
			Reason:        reason,
			Subtotal:      tx.Subtotal.String(),
			TotalDiscount: tx.TotalDiscount.String(),
			FinalTotal:    tx.FinalTotal.String(),
			OccurredAt:    occurred,
		}
		if withSnapshot {
			snapshot := tx.Snapshot()
			payload.Snapshot = &snapshot
		}

		data, err := json.Marshal(payload)
		if err != nil {
			e.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		} else {
			msg := domain.OutboxMessage{
				AggregateType: AggregateTransaction,
				AggregateID:   tx.ID,
				EventType:     eventType,
				Payload:       data,
				CreatedAt:     occurred,
			}
			if _, err := e.outbox.Enqueue(ctx, msg); err != nil {
				e.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
			} else if e.metrics != nil {
				e.metrics.OutboxEnqueued()
			}
		}
	}

	if e.timeline != nil {
		event := domain.TimelineEvent{
			TransactionID: tx.ID,
			Type:          eventType,
			Reason:        reason,
			Occurred:      occurred,
		}
		if err := e.timeline.Append(ctx, event); err != nil {
			e.logger.WithError(err).WithFields(fields).Warn("append timeline event failed")
		} else if e.metrics != nil {
			e.metrics.TimelineEvent()
		}
	}
}
