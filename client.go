// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/health"
	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/internal/reliability"
	"github.com/fbchat/relay/messaging"
	"github.com/fbchat/relay/metrics"
)

// ErrClientClosed is returned by Subscribe and Run after Close
var ErrClientClosed = errors.New("relay: client closed")

// Client wires one publishing connection and one connection per
// subscription to the shared topic exchange
type Client struct {
	settings rabbitmq.BrokerSettings
	cfg      *clientConfig

	publishBroker *rabbitmq.ConnectionManager
	publisher     *messaging.EventPublisher

	mu            sync.Mutex
	closed        bool
	brokers       map[string]*rabbitmq.ConnectionManager
	consumers     []*rabbitmq.Consumer
	subscriptions []*messaging.EventSubscriber
}

// NewClient creates a client for the broker described by settings. No
// connection is opened until Connect, Run or the first publish.
func NewClient(settings rabbitmq.BrokerSettings, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:      slog.Default(),
		serviceName: "fbchat-bot",
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.producer == "" {
		cfg.producer = cfg.serviceName
	}
	if settings.ConnectionName == "" {
		settings.ConnectionName = cfg.serviceName
	}

	c := &Client{
		settings: settings,
		cfg:      cfg,
		brokers:  make(map[string]*rabbitmq.ConnectionManager),
	}

	c.publishBroker = c.newBroker("publish")

	publisherOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.logger)}
	if cfg.confirmTimeout > 0 {
		publisherOpts = append(publisherOpts, rabbitmq.WithConfirms(cfg.confirmTimeout))
	}

	eventOpts := []messaging.PublisherOption{
		messaging.WithProducer(cfg.producer),
		messaging.WithPublisherLogger(cfg.logger),
	}
	if cfg.metrics != nil {
		eventOpts = append(eventOpts, messaging.WithPublisherMetrics(cfg.metrics))
	}

	c.publisher = messaging.NewEventPublisher(rabbitmq.NewPublisher(c.publishBroker, publisherOpts...), eventOpts...)
	return c
}

func (c *Client) newBroker(role string) *rabbitmq.ConnectionManager {
	opts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(c.cfg.logger.With("role", role))}
	if c.cfg.dialer != nil {
		opts = append(opts, rabbitmq.WithDialer(c.cfg.dialer))
	}
	if c.cfg.sleep != nil {
		opts = append(opts, rabbitmq.WithSleeper(c.cfg.sleep))
	}
	if c.cfg.metrics != nil {
		opts = append(opts, rabbitmq.WithStateListener(c.cfg.metrics.ConnectionListener(role)))
	}

	cm := rabbitmq.NewConnectionManager(c.settings, opts...)
	c.brokers[role] = cm
	return cm
}

// ServiceName returns the name used for queues and the connection
func (c *Client) ServiceName() string {
	return c.cfg.serviceName
}

// Publisher returns the envelope publisher
func (c *Client) Publisher() *messaging.EventPublisher {
	return c.publisher
}

// Connect opens the publishing connection
func (c *Client) Connect(ctx context.Context) error {
	return c.publishBroker.Connect(ctx)
}

// SubscribeOption tunes one subscription
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	queue     string
	exclusive bool
}

// WithQueue overrides the default queue name <service>.<event type>
func WithQueue(queue string) SubscribeOption {
	return func(s *subscribeConfig) {
		s.queue = queue
	}
}

// WithExclusiveConsumer makes the subscription the queue's only consumer
func WithExclusiveConsumer() SubscribeOption {
	return func(s *subscribeConfig) {
		s.exclusive = true
	}
}

// Subscribe registers handler for eventType on its own connection. The
// subscription starts with Run.
func (c *Client) Subscribe(eventType contracts.EventType, handler messaging.EventHandler, options ...SubscribeOption) (*messaging.EventSubscriber, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownEventType, eventType)
	}

	sc := &subscribeConfig{queue: rabbitmq.QueueName(c.cfg.serviceName, string(eventType))}
	for _, opt := range options {
		opt(sc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	role := "consume:" + sc.queue
	if _, exists := c.brokers[role]; exists {
		return nil, fmt.Errorf("queue %s is already subscribed", sc.queue)
	}

	consumer := rabbitmq.NewConsumer(c.newBroker(role), sc.queue, string(eventType),
		rabbitmq.WithExclusive(sc.exclusive),
		rabbitmq.WithDeadLetter(c.cfg.deadLetter),
		rabbitmq.WithSingleActiveConsumer(c.cfg.singleActive),
		rabbitmq.WithConsumerLogger(c.cfg.logger))

	subOpts := []messaging.SubscriberOption{
		messaging.WithSubscriberLogger(c.cfg.logger),
		messaging.WithMiddleware(messaging.LoggingMiddleware(c.cfg.logger)),
	}
	if c.cfg.metrics != nil {
		subOpts = append(subOpts, messaging.WithSubscriberMetrics(c.cfg.metrics))
	}
	if c.cfg.maxRedeliveries > 0 {
		subOpts = append(subOpts, messaging.WithMaxRedeliveries(c.cfg.maxRedeliveries, c.cfg.attempts))
	}
	if c.cfg.sleep != nil {
		subOpts = append(subOpts, messaging.WithResubscribeBackoff(reliability.ReconnectBackoff(), c.cfg.sleep))
	}

	sub := messaging.NewEventSubscriber(consumer, handler, subOpts...)
	c.consumers = append(c.consumers, consumer)
	c.subscriptions = append(c.subscriptions, sub)
	return sub, nil
}

// Run keeps every subscription alive until ctx is done or one of them
// fails for good. Cancelling ctx is a clean shutdown.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	subs := append([]*messaging.EventSubscriber(nil), c.subscriptions...)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			if err := sub.Run(gctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("subscription %s: %w", sub.Queue(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		c.cfg.logger.Info("subscriptions stopped", "reason", ctx.Err())
	}
	return err
}

// Health returns a registry checking every connection and consumer
func (c *Client) Health() *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("service", c.cfg.serviceName)

	c.mu.Lock()
	defer c.mu.Unlock()
	for role, cm := range c.brokers {
		if role == "publish" {
			// connected lazily on first publish
			continue
		}
		registry.Register(health.NewBrokerChecker(role, cm))
	}
	for _, consumer := range c.consumers {
		registry.Register(health.NewConsumerChecker(consumer))
	}
	return registry
}

// Close stops every subscription and closes all connections
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscriptions
	brokers := make([]*rabbitmq.ConnectionManager, 0, len(c.brokers))
	for _, cm := range c.brokers {
		brokers = append(brokers, cm)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.StopConsuming()
	}
	for _, cm := range brokers {
		cm.Disconnect()
	}
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	serviceName     string
	producer        string
	dialer          rabbitmq.Dialer
	sleep           func(ctx context.Context, d time.Duration) error
	metrics         *metrics.Collector
	confirmTimeout  time.Duration
	deadLetter      bool
	singleActive    bool
	maxRedeliveries int
	attempts        reliability.AttemptTracker
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName sets the service name used for queue and connection names
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithProducer sets the producer stamped on envelopes; defaults to the
// service name
func WithProducer(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.producer = name
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithSleeper replaces the backoff sleep of connections and subscriptions
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sleep = sleep
	}
}

// WithMetrics records publisher, subscriber and connection metrics
func WithMetrics(collector *metrics.Collector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithPublisherConfirms waits up to timeout for broker confirms
func WithPublisherConfirms(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmTimeout = timeout
	}
}

// WithDeadLetter gives every subscribed queue a dead-letter queue
func WithDeadLetter(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetter = enabled
	}
}

// WithSingleActiveConsumer declares subscribed queues single-active-consumer
func WithSingleActiveConsumer(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.singleActive = enabled
	}
}

// WithRedeliveryLimit discards a message after limit failed attempts.
// tracker may be nil for an in-memory count.
func WithRedeliveryLimit(limit int, tracker reliability.AttemptTracker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxRedeliveries = limit
		cfg.attempts = tracker
	}
}
