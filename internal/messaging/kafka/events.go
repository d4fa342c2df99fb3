package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topics для Kafka. События делятся по семействам: префикс типа события до точки.
const (
	TopicTransactionEvents = "ordercore.transaction.events"
	TopicOrderEvents       = "ordercore.order.events"
	TopicInvoiceEvents     = "ordercore.invoice.events"
	TopicDeadLetterQueue   = "ordercore.dlq"
)

// Kafka headers, которые проставляет publisher.
const (
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// TopicForEvent возвращает topic для типа события. Неизвестные семейства уходят в topic документов.
func TopicForEvent(eventType string) string {
	family, _, _ := strings.Cut(eventType, ".")
	switch family {
	case "order":
		return TopicOrderEvents
	case "invoice":
		return TopicInvoiceEvents
	default:
		return TopicTransactionEvents
	}
}

// Envelope — формат сообщения, которое уходит в Kafka из outbox.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// ParseEnvelope разбирает сообщение из topic событий.
func ParseEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if envelope.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope has no event type")
	}
	return envelope, nil
}
