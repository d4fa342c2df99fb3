package kafka

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
// При пустом topic сообщение направляется по семейству события (TopicForEvent).
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// NewDLQPublisher создаёт паблишер в dead-letter topic.
func NewDLQPublisher(producer *Producer) *OutboxTopicPublisher {
	return NewOutboxPublisher(producer, TopicDeadLetterQueue)
}

// TopicFor возвращает topic, в который уйдёт событие.
func (p *OutboxTopicPublisher) TopicFor(eventType string) string {
	if p.topic != "" {
		return p.topic
	}
	return TopicForEvent(eventType)
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	// Ключ по документу сохраняет порядок событий одного документа в партиции.
	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	envelope := Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       event.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	headers := map[string]string{
		HeaderEventType: event.EventType,
		HeaderOutboxID:  event.ID,
	}

	return p.producer.PublishWithHeaders(p.TopicFor(event.EventType), key, envelope, headers)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
