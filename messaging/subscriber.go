package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/internal/reliability"
)

// EventSubscriber decodes deliveries from one queue and hands them to an
// EventHandler, settling each delivery according to the result.
type EventSubscriber struct {
	source          DeliverySource
	handler         EventHandler
	tracker         reliability.AttemptTracker
	maxRedeliveries int
	backoff         *reliability.ExponentialBackoff
	sleep           func(ctx context.Context, d time.Duration) error
	metrics         MetricsRecorder
	logger          *slog.Logger
}

// SubscriberOption configures the EventSubscriber
type SubscriberOption func(*EventSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *EventSubscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics recorder
func WithSubscriberMetrics(metrics MetricsRecorder) SubscriberOption {
	return func(s *EventSubscriber) {
		s.metrics = metrics
	}
}

// WithMaxRedeliveries discards a message once its handler failed limit times.
// Zero keeps requeueing forever.
func WithMaxRedeliveries(limit int, tracker reliability.AttemptTracker) SubscriberOption {
	return func(s *EventSubscriber) {
		s.maxRedeliveries = limit
		s.tracker = tracker
	}
}

// WithMiddleware wraps the handler
func WithMiddleware(middleware ...Middleware) SubscriberOption {
	return func(s *EventSubscriber) {
		s.handler = Chain(s.handler, middleware...)
	}
}

// WithResubscribeBackoff sets the pause schedule Run uses between failed
// subscription attempts
func WithResubscribeBackoff(backoff *reliability.ExponentialBackoff, sleep func(ctx context.Context, d time.Duration) error) SubscriberOption {
	return func(s *EventSubscriber) {
		s.backoff = backoff
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// NewEventSubscriber creates a subscriber reading from source
func NewEventSubscriber(source DeliverySource, handler EventHandler, options ...SubscriberOption) *EventSubscriber {
	s := &EventSubscriber{
		source:  source,
		handler: handler,
		backoff: reliability.ReconnectBackoff(),
		sleep:   reliability.Sleep,
		metrics: NoOpMetricsRecorder{},
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.maxRedeliveries > 0 && s.tracker == nil {
		s.tracker = reliability.NewMemoryAttemptTracker(reliability.DefaultAttemptTTL)
	}

	return s
}

// Queue returns the queue name
func (s *EventSubscriber) Queue() string {
	return s.source.Queue()
}

// SetupQueue declares and binds the queue
func (s *EventSubscriber) SetupQueue(ctx context.Context) error {
	return s.source.SetupQueue(ctx)
}

// StartConsuming sets up the queue and then blocks handling deliveries.
// It returns nil once StopConsuming was called, ctx.Err() when ctx is done
// and an error wrapping rabbitmq.ErrConsumerCancelled when the broker ended
// the subscription. Callers resume by calling it again, or use Run.
func (s *EventSubscriber) StartConsuming(ctx context.Context) error {
	if err := s.source.SetupQueue(ctx); err != nil {
		s.logger.Error("not consuming, queue setup failed",
			"queue", s.source.Queue(),
			"error", err)
		return err
	}
	return s.source.Consume(ctx, s.handleDelivery)
}

// StopConsuming stops delivery. It is idempotent.
func (s *EventSubscriber) StopConsuming() {
	s.source.Stop()
}

// Run keeps the subscription alive: it calls StartConsuming again after the
// broker ended it and pauses on the backoff schedule while setup fails.
// It returns nil after StopConsuming and ctx.Err() when ctx is done.
func (s *EventSubscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.StartConsuming(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, rabbitmq.ErrAlreadyConsuming):
			return err
		case errors.Is(err, rabbitmq.ErrConsumerCancelled):
			s.logger.Info("resubscribing", "queue", s.source.Queue())
			attempt = 0
			continue
		}

		delay := s.backoff.NextDelay(attempt)
		attempt++
		s.logger.Warn("subscription failed",
			"queue", s.source.Queue(),
			"attempt", attempt,
			"nextRetryIn", delay,
			"error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *EventSubscriber) handleDelivery(ctx context.Context, delivery amqp.Delivery) rabbitmq.Outcome {
	start := time.Now()
	outcome := s.process(ctx, delivery)
	s.metrics.RecordDelivery(s.source.Queue(), outcome.String(), time.Since(start))
	return outcome
}

func (s *EventSubscriber) process(ctx context.Context, delivery amqp.Delivery) rabbitmq.Outcome {
	queue := s.source.Queue()

	env, err := contracts.Decode(delivery.Body)
	if err != nil {
		s.logger.Error("discarding undecodable message",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", err)
		return rabbitmq.Discard
	}

	if key := s.source.RoutingKey(); string(env.EventType) != key {
		s.logger.Error("discarding message with foreign event type",
			"queue", queue,
			"routingKey", key,
			"eventType", env.EventType,
			"eventId", env.EventID)
		return rabbitmq.Discard
	}

	err = s.invoke(ctx, env)
	if err == nil {
		s.forget(ctx, env, delivery.Body)
		return rabbitmq.Ack
	}

	if IsRejected(err) {
		s.logger.Error("handler rejected message",
			"queue", queue,
			"eventId", env.EventID,
			"error", err)
		s.forget(ctx, env, delivery.Body)
		return rabbitmq.Discard
	}

	if s.exhausted(ctx, env, delivery.Body) {
		s.logger.Error("redelivery limit reached, discarding message",
			"queue", queue,
			"eventId", env.EventID,
			"maxRedeliveries", s.maxRedeliveries,
			"error", err)
		return rabbitmq.Discard
	}

	s.logger.Warn("handler failed, requeueing message",
		"queue", queue,
		"eventId", env.EventID,
		"redelivered", delivery.Redelivered,
		"error", err)
	return rabbitmq.Requeue
}

func (s *EventSubscriber) invoke(ctx context.Context, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.HandleEvent(ctx, env)
}

// exhausted counts one more failure and reports whether the limit is hit.
// Tracker errors never discard a message.
func (s *EventSubscriber) exhausted(ctx context.Context, env *contracts.Envelope, body []byte) bool {
	if s.maxRedeliveries <= 0 {
		return false
	}

	key := attemptKey(env, body)
	failures, err := s.tracker.Increment(ctx, key)
	if err != nil {
		s.logger.Warn("could not count delivery attempt", "key", key, "error", err)
		return false
	}
	if failures < s.maxRedeliveries {
		return false
	}

	if err := s.tracker.Reset(ctx, key); err != nil {
		s.logger.Debug("could not reset delivery attempts", "key", key, "error", err)
	}
	return true
}

func (s *EventSubscriber) forget(ctx context.Context, env *contracts.Envelope, body []byte) {
	if s.maxRedeliveries <= 0 {
		return
	}
	key := attemptKey(env, body)
	if err := s.tracker.Reset(ctx, key); err != nil {
		s.logger.Debug("could not reset delivery attempts", "key", key, "error", err)
	}
}

// attemptKey identifies a message across redeliveries
func attemptKey(env *contracts.Envelope, body []byte) string {
	if env.EventID != "" {
		return string(env.EventType) + ":" + env.EventID
	}
	sum := sha256.Sum256(body)
	return string(env.EventType) + ":sha256:" + hex.EncodeToString(sum[:])
}
