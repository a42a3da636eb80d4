package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome tells the consumer how to settle a delivery
type Outcome int

const (
	// Ack acknowledges the delivery
	Ack Outcome = iota
	// Requeue rejects the delivery and asks the broker to deliver it again
	Requeue
	// Discard rejects the delivery without requeue; it is dropped or
	// dead-lettered
	Discard
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DeliveryHandler processes one delivery and decides its outcome
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) Outcome

// Consumer reads one queue with manual acknowledgement. Deliveries are
// handled one at a time on the goroutine that called Consume.
type Consumer struct {
	broker        Broker
	topology      *TopologyManager
	queue         QueueDeclaration
	routingKey    string
	deadLetter    bool
	prefetchCount int
	exclusive     bool
	consumerTag   string
	logger        *slog.Logger

	mu              sync.Mutex
	ch              Channel
	consuming       bool
	stopped         bool
	stop            chan struct{}
	cancelReconnect context.CancelFunc
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithDeadLetter routes discarded deliveries to <queue>.dlq
func WithDeadLetter(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetter = enabled
	}
}

// WithSingleActiveConsumer declares the queue with x-single-active-consumer
func WithSingleActiveConsumer(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.queue.SingleActiveConsumer = enabled
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for a durable queue bound with routingKey
func NewConsumer(broker Broker, queue, routingKey string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:        broker,
		topology:      NewTopologyManager(broker),
		queue:         QueueDeclaration{Name: queue, Durable: true},
		routingKey:    routingKey,
		prefetchCount: 1,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.consumerTag == "" {
		c.consumerTag = queue + "-" + uuid.NewString()
	}

	return c
}

// Queue returns the queue name
func (c *Consumer) Queue() string {
	return c.queue.Name
}

// RoutingKey returns the binding key
func (c *Consumer) RoutingKey() string {
	return c.routingKey
}

// SetupQueue declares the queue, binds it to the exchange and limits the
// channel to prefetchCount unacknowledged deliveries.
// A stopped consumer does nothing.
func (c *Consumer) SetupQueue(ctx context.Context) error {
	if c.isStopped() {
		return nil
	}
	if err := c.topology.SetupSubscription(ctx, c.queue, c.routingKey, c.deadLetter); err != nil {
		c.logger.Error("failed to set up queue",
			"queue", c.queue.Name,
			"routingKey", c.routingKey,
			"error", err)
		return err
	}

	ch, err := c.broker.Channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("queue set up",
		"queue", c.queue.Name,
		"routingKey", c.routingKey,
		"prefetchCount", c.prefetchCount,
		"deadLetter", c.deadLetter)
	return nil
}

// Consume registers with the broker and handles deliveries until Stop is
// called (returns nil), ctx is done (returns ctx.Err()) or the delivery
// stream ends. In the last case the connection is re-established before
// returning an error wrapping ErrConsumerCancelled.
func (c *Consumer) Consume(ctx context.Context, handler DeliveryHandler) error {
	deliveries, stop, err := c.register(ctx)
	if err != nil {
		return err
	}
	if deliveries == nil {
		return nil
	}
	defer c.finish()

	c.logger.Info("started consuming",
		"queue", c.queue.Name,
		"consumerTag", c.consumerTag)

	for {
		select {
		case <-stop:
			return nil

		case <-ctx.Done():
			c.cancel()
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				select {
				case <-stop:
					return nil
				default:
				}

				c.logger.Warn("delivery channel closed", "queue", c.queue.Name)
				if c.reconnect(ctx) {
					return nil
				}
				return &ConsumerError{
					Queue:       c.queue.Name,
					ConsumerTag: c.consumerTag,
					Op:          "consume",
					Err:         ErrConsumerCancelled,
					Timestamp:   time.Now(),
				}
			}

			c.settle(delivery, c.dispatch(ctx, handler, delivery))
		}
	}
}

// reconnect re-establishes the broker connection after the delivery stream
// ended. Stop aborts it. It reports whether the consumer was stopped.
func (c *Consumer) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return true
	}
	rctx, cancel := context.WithCancel(ctx)
	c.cancelReconnect = cancel
	c.mu.Unlock()

	err := c.broker.Reconnect(rctx)

	c.mu.Lock()
	c.cancelReconnect = nil
	stopped := c.stopped
	c.mu.Unlock()
	cancel()

	if stopped {
		return true
	}
	if err != nil {
		c.logger.Warn("reconnect after consumer loss did not complete", "error", err)
	}
	return false
}

func (c *Consumer) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Consumer) register(ctx context.Context) (<-chan amqp.Delivery, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, nil, nil
	}
	if c.consuming {
		return nil, nil, ErrAlreadyConsuming
	}

	ch, err := c.broker.Channel(ctx)
	if err != nil {
		return nil, nil, &ConsumerError{Queue: c.queue.Name, ConsumerTag: c.consumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		c.queue.Name,
		c.consumerTag,
		false, // autoAck
		c.exclusive,
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, nil, &ConsumerError{Queue: c.queue.Name, ConsumerTag: c.consumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	c.ch = ch
	c.consuming = true
	c.stop = make(chan struct{})
	return deliveries, c.stop, nil
}

func (c *Consumer) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consuming = false
	c.ch = nil
}

func (c *Consumer) dispatch(ctx context.Context, handler DeliveryHandler, delivery amqp.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"queue", c.queue.Name,
				"messageId", delivery.MessageId,
				"panic", r)
			outcome = Requeue
		}
	}()
	return handler(ctx, delivery)
}

func (c *Consumer) settle(delivery amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case Ack:
		err = delivery.Ack(false)
	case Requeue:
		err = delivery.Reject(true)
	default:
		err = delivery.Reject(false)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery",
			"queue", c.queue.Name,
			"outcome", outcome.String(),
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
	}
}

// IsConsuming reports whether a consume loop is running
func (c *Consumer) IsConsuming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consuming
}

// Stop ends consumption for good. It is idempotent; once stopped,
// Consume returns nil immediately.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ch := c.ch
	if c.stop != nil {
		close(c.stop)
	}
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(c.consumerTag, false); err != nil {
			c.logger.Debug("error cancelling consumer", "consumerTag", c.consumerTag, "error", err)
		}
	}
	c.logger.Info("stopped consuming", "queue", c.queue.Name)
}

func (c *Consumer) cancel() {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(c.consumerTag, false); err != nil {
			c.logger.Debug("error cancelling consumer", "consumerTag", c.consumerTag, "error", err)
		}
	}
}
