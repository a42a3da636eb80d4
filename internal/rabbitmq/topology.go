package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelProvider hands out the live channel of a connection manager
type ChannelProvider interface {
	Channel(ctx context.Context) (Channel, error)
	Exchange() string
}

var _ ChannelProvider = (*ConnectionManager)(nil)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool

	// SingleActiveConsumer lets only one of several consumers receive
	// deliveries at a time.
	SingleActiveConsumer bool

	// DeadLetterExchange receives messages rejected without requeue
	DeadLetterExchange   string
	DeadLetterRoutingKey string

	Arguments amqp.Table
}

// Table builds the x-arguments for the declaration
func (q QueueDeclaration) Table() amqp.Table {
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	if q.SingleActiveConsumer {
		args["x-single-active-consumer"] = true
	}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
		if q.DeadLetterRoutingKey != "" {
			args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
		}
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// QueueName names the queue a service uses for one event type,
// e.g. mini-fb-service.messenger.disconnected
func QueueName(service, eventType string) string {
	if service == "" {
		return eventType
	}
	return service + "." + eventType
}

// DeadLetterExchangeName is the direct exchange paired with exchange
func DeadLetterExchangeName(exchange string) string {
	return exchange + ".dlx"
}

// DeadLetterQueueName is the parking queue paired with queue
func DeadLetterQueueName(queue string) string {
	return queue + ".dlq"
}

// ValidateRoutingKey checks that key is a concrete dot-separated routing key
// suitable for publishing.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty routing key", ErrInvalidTopology)
	}
	for _, part := range strings.Split(key, ".") {
		if part == "" {
			return fmt.Errorf("%w: routing key %q has an empty segment", ErrInvalidTopology, key)
		}
		if part == "*" || part == "#" {
			return fmt.Errorf("%w: routing key %q contains a wildcard", ErrInvalidTopology, key)
		}
	}
	return nil
}

// TopologyManager declares exchanges, queues and bindings on the managed channel
type TopologyManager struct {
	provider ChannelProvider
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(provider ChannelProvider) *TopologyManager {
	return &TopologyManager{provider: provider}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	ch, err := tm.provider.Channel(ctx)
	if err != nil {
		return err
	}
	return declareExchange(ch, exchange)
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	ch, err := tm.provider.Channel(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	return declareQueue(ch, queue)
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	ch, err := tm.provider.Channel(ctx)
	if err != nil {
		return err
	}
	return bindQueue(ch, binding)
}

// SetupSubscription declares queue, binds it to the shared exchange with
// routingKey and, when deadLetter is set, declares the paired dead-letter
// exchange and queue first.
func (tm *TopologyManager) SetupSubscription(ctx context.Context, queue QueueDeclaration, routingKey string, deadLetter bool) error {
	ch, err := tm.provider.Channel(ctx)
	if err != nil {
		return err
	}
	exchange := tm.provider.Exchange()

	if deadLetter {
		dlx := DeadLetterExchangeName(exchange)
		dlq := DeadLetterQueueName(queue.Name)

		if err := declareExchange(ch, ExchangeDeclaration{Name: dlx, Type: "direct", Durable: true}); err != nil {
			return err
		}
		if _, err := declareQueue(ch, QueueDeclaration{Name: dlq, Durable: true}); err != nil {
			return err
		}
		if err := bindQueue(ch, Binding{Queue: dlq, Exchange: dlx, RoutingKey: dlq}); err != nil {
			return err
		}

		queue.DeadLetterExchange = dlx
		queue.DeadLetterRoutingKey = dlq
	}

	if _, err := declareQueue(ch, queue); err != nil {
		return err
	}

	return bindQueue(ch, Binding{Queue: queue.Name, Exchange: exchange, RoutingKey: routingKey})
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Table(),
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

func bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "create", Err: err, Timestamp: time.Now()}
	}
	return nil
}
