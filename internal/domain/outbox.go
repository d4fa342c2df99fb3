package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus — состояние записи transactional outbox.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	// OutboxFailed — попытки исчерпаны; сообщение ушло (или не смогло уйти) в DLQ.
	OutboxFailed OutboxStatus = "failed"
)

// DefaultOutboxBatch — размер выборки PullPending при limit <= 0.
const DefaultOutboxBatch = 100

// OutboxMessage — событие документа, ожидающее публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int
	CreatedAt     time.Time
}

// OutboxStats описывает backlog: число pending-записей и время самой старой из них.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Prepared возвращает копию сообщения с заполненными id и временем создания.
func (m OutboxMessage) Prepared(now time.Time) OutboxMessage {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}
