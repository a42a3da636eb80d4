package messaging

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/internal/rabbitmq"
)

// EventPublisher publishes envelopes under the routing key of their event type
type EventPublisher struct {
	publisher WirePublisher
	producer  string
	logger    *slog.Logger
	metrics   MetricsRecorder
}

// PublisherOption configures the EventPublisher
type PublisherOption func(*EventPublisher)

// WithProducer stamps envelopes that carry no producer with name
func WithProducer(name string) PublisherOption {
	return func(p *EventPublisher) {
		p.producer = name
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics recorder
func WithPublisherMetrics(metrics MetricsRecorder) PublisherOption {
	return func(p *EventPublisher) {
		p.metrics = metrics
	}
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(publisher WirePublisher, options ...PublisherOption) *EventPublisher {
	p := &EventPublisher{
		publisher: publisher,
		logger:    slog.Default(),
		metrics:   NoOpMetricsRecorder{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Producer returns the producer name stamped on outgoing envelopes
func (p *EventPublisher) Producer() string {
	return p.producer
}

// Publish validates and encodes env and sends it as a persistent JSON message.
// The message is handed to the broker at most once per call; a nil return
// means the channel accepted it.
func (p *EventPublisher) Publish(ctx context.Context, routingKey string, env *contracts.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if err := rabbitmq.ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	if routingKey != string(env.EventType) {
		return fmt.Errorf("%w: routing key %q, event type %q", ErrRoutingKeyMismatch, routingKey, env.EventType)
	}

	out := *env
	if out.Producer == "" {
		out.Producer = p.producer
	}

	body, err := out.Encode()
	if err != nil {
		p.logger.Error("refusing to publish invalid envelope",
			"eventType", out.EventType,
			"eventId", out.EventID,
			"error", err)
		p.metrics.RecordPublish(string(out.EventType), false)
		return fmt.Errorf("failed to encode %s envelope: %w", out.EventType, err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     out.EventID,
		CorrelationId: out.CorrelationID,
		Type:          string(out.EventType),
		AppId:         out.Producer,
		Timestamp:     out.Timestamp,
		Body:          body,
	}

	if err := p.publisher.Publish(ctx, routingKey, msg); err != nil {
		p.metrics.RecordPublish(string(out.EventType), false)
		return err
	}

	p.metrics.RecordPublish(string(out.EventType), true)
	p.logger.Debug("event published",
		"exchange", p.publisher.Exchange(),
		"routingKey", routingKey,
		"eventId", out.EventID,
		"correlationId", out.CorrelationID)
	return nil
}

// PublishEvent publishes env under its own event type
func (p *EventPublisher) PublishEvent(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	return p.Publish(ctx, string(env.EventType), env)
}

func (p *EventPublisher) publishPayload(ctx context.Context, payload contracts.Payload, options ...contracts.EnvelopeOption) error {
	env := contracts.NewEnvelope(payload, append([]contracts.EnvelopeOption{contracts.WithProducer(p.producer)}, options...)...)
	return p.PublishEvent(ctx, env)
}

// PublishMessageReceived publishes an inbound chat message
func (p *EventPublisher) PublishMessageReceived(ctx context.Context, msg contracts.MessageReceived, options ...contracts.EnvelopeOption) error {
	return p.publishPayload(ctx, msg, options...)
}

// PublishMessageSend asks the chat process to deliver a message
func (p *EventPublisher) PublishMessageSend(ctx context.Context, msg contracts.MessageSend, options ...contracts.EnvelopeOption) error {
	return p.publishPayload(ctx, msg, options...)
}

// PublishMatchEnded publishes a finished match
func (p *EventPublisher) PublishMatchEnded(ctx context.Context, match contracts.MatchEnded, options ...contracts.EnvelopeOption) error {
	return p.publishPayload(ctx, match, options...)
}

// PublishMessengerDisconnected reports a lost chat connection under a fresh
// event id. The id is returned so callers can correlate the resulting
// cookie change.
func (p *EventPublisher) PublishMessengerDisconnected(ctx context.Context, accountID, reason string, options ...contracts.EnvelopeOption) (string, error) {
	env := contracts.NewEnvelope(
		contracts.MessengerDisconnected{AccountID: accountID, Reason: reason},
		append([]contracts.EnvelopeOption{contracts.WithProducer(p.producer), contracts.WithNewEventID()}, options...)...,
	)
	if err := p.PublishEvent(ctx, env); err != nil {
		return "", err
	}
	return env.EventID, nil
}

// PublishCookieChanged publishes a refreshed cookie under a fresh event id
func (p *EventPublisher) PublishCookieChanged(ctx context.Context, change contracts.CookieChanged, options ...contracts.EnvelopeOption) error {
	return p.publishPayload(ctx, change, append([]contracts.EnvelopeOption{contracts.WithNewEventID()}, options...)...)
}
