package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fbchat/relay/internal/rabbitmq"
)

// Conn is an in-memory connection
type Conn struct {
	server *Server
	props  amqp.Table

	mu       sync.Mutex
	closed   bool
	channels []*Channel
}

var _ rabbitmq.Connection = (*Conn)(nil)

// Channel opens a new channel
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{server: c.server, conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection and all of its channels
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

// Channel is an in-memory channel. It is also the amqp.Acknowledger of the
// deliveries it hands out.
type Channel struct {
	server *Server
	conn   *Conn

	// guarded by server.mu
	closed     bool
	prefetch   int
	inflight   int
	confirming bool
	publishSeq uint64
	confirms   []chan amqp.Confirmation
	closers    []chan *amqp.Error
	consumers  map[string]*consumer
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) hasCapacity() bool {
	return !ch.closed && (ch.prefetch <= 0 || ch.inflight < ch.prefetch)
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := s.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type'", Server: true}
	}
	s.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if s.declareFails > 0 {
		s.declareFails--
		return amqp.Queue{}, s.declareErr
	}

	q, ok := s.queues[name]
	if !ok {
		q = &queue{name: name, args: args}
		s.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueDeclarePassive reports an existing queue. Like the broker it closes
// the channel when the queue is missing.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	s := ch.server
	s.mu.Lock()
	if ch.closed {
		s.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}
	if q, ok := s.queues[name]; ok {
		info := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	_ = ch.Close()
	return amqp.Queue{}, &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name),
		Server: true,
	}
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := s.queues[name]; !ok {
		return ErrNotFound
	}
	if _, ok := s.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'", Server: true}
	}
	for _, b := range s.bindings {
		if b.queue == name && b.exchange == exchange && b.key == key {
			return nil
		}
	}
	s.bindings = append(s.bindings, binding{queue: name, exchange: exchange, key: key})
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Prefetch returns the channel's QoS prefetch count
func (ch *Channel) Prefetch() int {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := ch.server
	s.mu.Lock()
	if ch.closed {
		s.mu.Unlock()
		return amqp.ErrClosed
	}
	if s.publishFails > 0 {
		s.publishFails--
		err := s.publishErr
		s.mu.Unlock()
		return err
	}
	if _, ok := s.exchanges[exchange]; !ok {
		s.mu.Unlock()
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'", Server: true}
	}

	hook := s.route(exchange, key, msg)
	if ch.confirming {
		ch.publishSeq++
		for _, c := range ch.confirms {
			select {
			case c <- amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true}:
			default:
			}
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Consume registers a consumer. Like the broker it refuses a second consumer
// on a queue held exclusively, or an exclusive one on a queue in use, and
// closes the channel.
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	s := ch.server
	s.mu.Lock()

	if ch.closed {
		s.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	q, ok := s.queues[queueName]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if inExclusiveUse(q, exclusive) {
		s.mu.Unlock()
		_ = ch.Close()
		return nil, &amqp.Error{
			Code:   amqp.AccessRefused,
			Reason: fmt.Sprintf("ACCESS_REFUSED - queue '%s' in exclusive use", queueName),
			Server: true,
		}
	}
	if ch.consumers == nil {
		ch.consumers = make(map[string]*consumer)
	}

	c := &consumer{tag: consumerTag, ch: ch, exclusive: exclusive, deliveries: make(chan amqp.Delivery, 64)}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	s.dispatch(q)
	s.mu.Unlock()
	return c.deliveries, nil
}

func inExclusiveUse(q *queue, exclusive bool) bool {
	if exclusive && len(q.consumers) > 0 {
		return true
	}
	for _, c := range q.consumers {
		if c.exclusive {
			return true
		}
	}
	return false
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)

	for _, q := range s.queues {
		kept := q.consumers[:0]
		for _, qc := range q.consumers {
			if qc != c {
				kept = append(kept, qc)
			}
		}
		q.consumers = kept
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
	close(c.deliveries)
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.closers = append(ch.closers, c)
	return c
}

func (ch *Channel) IsClosed() bool {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing its unacknowledged deliveries
func (ch *Channel) Close() error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closed = true
	ch.consumers = nil
	ch.inflight = 0

	for _, c := range ch.confirms {
		close(c)
	}
	ch.confirms = nil
	for _, c := range ch.closers {
		close(c)
	}
	ch.closers = nil

	s.releaseChannel(ch)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.server.settle(ch, tag, "ack", false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.server.settle(ch, tag, "nack", requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.server.settle(ch, tag, "reject", requeue)
}
