package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fbchat/relay/internal/rabbitmq"
)

// WirePublisher sends raw messages to the shared exchange
type WirePublisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
	Exchange() string
}

var _ WirePublisher = (*rabbitmq.Publisher)(nil)

// DeliverySource is a queue that hands deliveries to a handler one at a time
type DeliverySource interface {
	SetupQueue(ctx context.Context) error
	Consume(ctx context.Context, handler rabbitmq.DeliveryHandler) error
	Stop()
	Queue() string
	RoutingKey() string
}

var _ DeliverySource = (*rabbitmq.Consumer)(nil)

// MetricsRecorder collects messaging metrics
type MetricsRecorder interface {
	// RecordPublish records one publish attempt
	RecordPublish(eventType string, success bool)

	// RecordDelivery records how a delivery was settled and how long the
	// handler took
	RecordDelivery(queue, outcome string, duration time.Duration)
}

// NoOpMetricsRecorder is a no-op implementation of MetricsRecorder
type NoOpMetricsRecorder struct{}

// RecordPublish does nothing
func (NoOpMetricsRecorder) RecordPublish(eventType string, success bool) {}

// RecordDelivery does nothing
func (NoOpMetricsRecorder) RecordDelivery(queue, outcome string, duration time.Duration) {}
