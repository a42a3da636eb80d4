package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is a channel provider that can also re-establish its connection
type Broker interface {
	ChannelProvider
	Reconnect(ctx context.Context) error
}

var _ Broker = (*ConnectionManager)(nil)

// Publisher publishes raw messages to the shared exchange
type Publisher struct {
	broker         Broker
	confirm        bool
	confirmTimeout time.Duration
	reconnect      bool
	logger         *slog.Logger

	mu        sync.Mutex
	confirmCh Channel
	confirms  chan amqp.Confirmation
	seq       uint64 // delivery tag of the last publish on confirmCh
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirms enables publisher confirms and bounds the wait for each ack
func WithConfirms(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirm = true
		p.confirmTimeout = timeout
	}
}

// WithReconnectOnFailure controls the synchronous reconnect after a failed publish
func WithReconnectOnFailure(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.reconnect = enabled
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(broker Broker, options ...PublisherOption) *Publisher {
	p := &Publisher{
		broker:         broker,
		confirmTimeout: 5 * time.Second,
		reconnect:      true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the exchange messages are published to
func (p *Publisher) Exchange() string {
	return p.broker.Exchange()
}

// Publish sends msg with routingKey. A failure is logged, triggers a
// blocking reconnect and is returned; the message itself is not retried.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	err := p.publish(ctx, routingKey, msg)
	if err == nil {
		p.logger.Debug("published message",
			"exchange", p.broker.Exchange(),
			"routingKey", routingKey,
			"messageId", msg.MessageId)
		return nil
	}

	p.logger.Error("failed to publish message",
		"exchange", p.broker.Exchange(),
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"error", err)

	if p.reconnect {
		if rerr := p.broker.Reconnect(ctx); rerr != nil {
			p.logger.Warn("reconnect after publish failure did not complete", "error", rerr)
		}
	}

	return &PublishError{
		Exchange:   p.broker.Exchange(),
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.broker.Channel(ctx)
	if err != nil {
		return err
	}

	if p.confirm && ch != p.confirmCh {
		if err := ch.Confirm(false); err != nil {
			return &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
		p.confirmCh = ch
		p.seq = 0
	}

	if err := ch.PublishWithContext(
		ctx,
		p.broker.Exchange(),
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return err
	}

	if !p.confirm {
		return nil
	}
	p.seq++

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				p.confirmCh = nil
				return ErrConnectionClosed
			}
			if confirm.DeliveryTag < p.seq {
				// late confirm for an earlier publish that timed out
				continue
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			return nil
		case <-timer.C:
			return ErrPublishTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
