package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Publisher publishes rate limit decision events.
type Publisher struct {
	publisher message.Publisher
}

// NewPublisher creates a new decision event publisher.
func NewPublisher(publisher message.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// PublishLimitExceeded publishes a denied-decision event.
func (p *Publisher) PublishLimitExceeded(event *DecisionEvent) error {
	return p.publish(TopicLimitExceeded, event)
}

// PublishDegradedAllow publishes a fail-open allowance event.
func (p *Publisher) PublishDegradedAllow(event *DecisionEvent) error {
	return p.publish(TopicDegradedAllow, event)
}

func (p *Publisher) publish(topic string, event *DecisionEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)

	return p.publisher.Publish(topic, msg)
}

// Shutdown closes the underlying publisher.
func (p *Publisher) Shutdown() error {
	return p.publisher.Close()
}
