package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Consumer consumes decision events from both topics and persists them to
// the store.
type Consumer struct {
	subscriber message.Subscriber
	store      Store
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewConsumer creates a new decision event consumer.
func NewConsumer(subscriber message.Subscriber, store Store, logger *zap.Logger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		store:      store,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins consuming messages from both decision topics.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	exceededMsgs, err := c.subscriber.Subscribe(ctx, TopicLimitExceeded)
	if err != nil {
		return err
	}

	degradedMsgs, err := c.subscriber.Subscribe(ctx, TopicDegradedAllow)
	if err != nil {
		return err
	}

	go c.consumeLoop(ctx, exceededMsgs, degradedMsgs)

	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, exceededMsgs, degradedMsgs <-chan *message.Message) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-exceededMsgs:
			if !ok {
				return
			}

			c.handle(ctx, msg, c.store.SaveLimitExceeded)
		case msg, ok := <-degradedMsgs:
			if !ok {
				return
			}

			c.handle(ctx, msg, c.store.SaveDegradedAllow)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message, save func(context.Context, *DecisionEvent) error) {
	var event DecisionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Error("failed to unmarshal decision event",
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	if err := save(ctx, &event); err != nil {
		c.logger.Error("failed to save decision event",
			zap.String("key", event.Key),
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	msg.Ack()

	c.logger.Debug("processed decision event",
		zap.String("key", event.Key),
		zap.Bool("degraded", event.Degraded),
	)
}

// Shutdown stops the consumer and waits for in-flight messages to complete.
func (c *Consumer) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}

	<-c.done

	return c.subscriber.Close()
}
