package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessagePublisher republishes raw messages to the shared exchange
type MessagePublisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

var _ MessagePublisher = (*Publisher)(nil)

// Replayer moves dead-lettered messages from <queue>.dlq back onto the
// exchange under their event type. Every queue bound to that event type
// receives the replayed message.
type Replayer struct {
	broker    Broker
	publisher MessagePublisher
	inspector *QueueInspector
	logger    *slog.Logger
}

// NewReplayer creates a replayer consuming through broker. broker should not
// be shared with live subscriptions.
func NewReplayer(broker Broker, publisher MessagePublisher, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		broker:    broker,
		publisher: publisher,
		inspector: NewQueueInspector(broker),
		logger:    logger,
	}
}

// Replay republishes up to limit messages parked for queue, all of them when
// limit is zero. Messages that cannot be republished stay in the
// dead-letter queue. It returns how many were moved.
func (r *Replayer) Replay(ctx context.Context, queue string, limit int) (int, error) {
	dlq := DeadLetterQueueName(queue)

	info, err := r.inspector.InspectQueue(ctx, dlq)
	if err != nil {
		return 0, err
	}
	if !info.Exists {
		return 0, fmt.Errorf("%w: queue %s has no dead-letter queue", ErrInvalidTopology, queue)
	}

	want := info.Messages
	if limit > 0 && limit < want {
		want = limit
	}
	if want == 0 {
		return 0, nil
	}

	ch, err := r.broker.Channel(ctx)
	if err != nil {
		return 0, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return 0, &ChannelError{Op: "qos", Err: err}
	}

	consumer := NewConsumer(r.broker, dlq, dlq, WithConsumerTag("fbrelay-replay"), WithConsumerLogger(r.logger))

	var (
		mu       sync.Mutex
		replayed int
		failure  error
	)
	handler := func(ctx context.Context, delivery amqp.Delivery) Outcome {
		key := replayRoutingKey(delivery)
		err := ValidateRoutingKey(key)
		if err == nil {
			err = r.publisher.Publish(ctx, key, replayPublishing(delivery))
		}

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failure = fmt.Errorf("failed to replay message %s from %s: %w", delivery.MessageId, dlq, err)
			consumer.Stop()
			return Requeue
		}

		replayed++
		r.logger.Info("dead-lettered message replayed",
			"queue", queue,
			"messageId", delivery.MessageId,
			"routingKey", key)
		if replayed >= want {
			consumer.Stop()
		}
		return Ack
	}

	err = consumer.Consume(ctx, handler)

	mu.Lock()
	defer mu.Unlock()
	if failure != nil {
		return replayed, failure
	}
	return replayed, err
}

// replayRoutingKey prefers the event type the publisher stamped on the
// message and falls back to the first routing key in x-death.
func replayRoutingKey(delivery amqp.Delivery) string {
	if delivery.Type != "" {
		return delivery.Type
	}
	deaths, _ := delivery.Headers["x-death"].([]interface{})
	if len(deaths) == 0 {
		return ""
	}
	death, _ := deaths[0].(amqp.Table)
	keys, _ := death["routing-keys"].([]interface{})
	if len(keys) == 0 {
		return ""
	}
	key, _ := keys[0].(string)
	return key
}

func replayPublishing(delivery amqp.Delivery) amqp.Publishing {
	var headers amqp.Table
	for k, v := range delivery.Headers {
		if k == "x-death" || k == "x-first-death-exchange" || k == "x-first-death-queue" || k == "x-first-death-reason" {
			continue
		}
		if headers == nil {
			headers = amqp.Table{}
		}
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   delivery.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     delivery.MessageId,
		CorrelationId: delivery.CorrelationId,
		Type:          delivery.Type,
		AppId:         delivery.AppId,
		Timestamp:     delivery.Timestamp,
		Body:          delivery.Body,
	}
}
