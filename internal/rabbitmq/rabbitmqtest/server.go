// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces for tests.
//
// It supports topic and direct exchanges, durable queues, manual
// acknowledgement with per-channel prefetch, requeue with the redelivered flag,
// dead-lettering through x-dead-letter-exchange and publisher confirms.
// Every publish and settlement is appended to an ordered event log so tests
// can assert on ordering across components.
package rabbitmqtest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fbchat/relay/internal/rabbitmq"
)

// Publication is one message accepted by an exchange
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag        string
	ch         *Channel
	exclusive  bool
	deliveries chan amqp.Delivery
}

type unacked struct {
	queue *queue
	msg   message
	ch    *Channel
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []message
	consumers []*consumer
	next      int
}

type binding struct {
	queue    string
	exchange string
	key      string
}

// Server is an in-memory broker
type Server struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	published []Publication
	events    []string
	unacked   map[uint64]unacked
	nextTag   uint64
	conns     []*Conn

	dials        int
	dialFailures int
	dialErr      error
	publishFails int
	publishErr   error
	declareFails int
	declareErr   error
	onPublish    func(Publication)
}

// NewServer creates an empty broker. The default exchange "" is not modeled.
func NewServer() *Server {
	return &Server{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		unacked:   make(map[uint64]unacked),
	}
}

// Dialer returns a rabbitmq.Dialer connected to this server
func (s *Server) Dialer() rabbitmq.Dialer {
	return func(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.dials++
		if s.dialFailures > 0 {
			s.dialFailures--
			return nil, s.dialErr
		}

		c := &Conn{server: s, props: cfg.Properties}
		s.conns = append(s.conns, c)
		return c, nil
	}
}

// FailDials makes the next n dials fail with err
func (s *Server) FailDials(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialFailures = n
	s.dialErr = err
}

// FailPublishes makes the next n publishes fail with err
func (s *Server) FailPublishes(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishFails = n
	s.publishErr = err
}

// FailDeclares makes the next n queue declarations fail with err
func (s *Server) FailDeclares(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declareFails = n
	s.declareErr = err
}

// OnPublish registers a hook called, outside the server lock, after every
// accepted publish.
func (s *Server) OnPublish(fn func(Publication)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = fn
}

// Dials returns the number of dial attempts
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// LastConnectionProperties returns the client properties of the latest dial
func (s *Server) LastConnectionProperties() amqp.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1].props
}

// Published returns every accepted publish in order
func (s *Server) Published() []Publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Publication(nil), s.published...)
}

// Events returns the ordered log of publishes and settlements, e.g.
// "publish fbchat.events cookie.changed" or "ack relogin.q"
func (s *Server) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// ExchangeKind returns the declared type of an exchange
func (s *Server) ExchangeKind(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, ok := s.exchanges[name]
	return kind, ok
}

// QueueArgs returns the arguments a queue was declared with
func (s *Server) QueueArgs(name string) (amqp.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Consumers returns the number of consumers attached to queue
func (s *Server) Consumers(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[queue]; ok {
		return len(q.consumers)
	}
	return 0
}

// HasBinding reports whether queue is bound to exchange with key
func (s *Server) HasBinding(queue, exchange, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if b.queue == queue && b.exchange == exchange && b.key == key {
			return true
		}
	}
	return false
}

// Ready returns the number of messages waiting in a queue
func (s *Server) Ready(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages
func (s *Server) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

// Inject publishes a message as if it came from another client
func (s *Server) Inject(exchange, routingKey string, pub amqp.Publishing) {
	s.mu.Lock()
	hook := s.route(exchange, routingKey, pub)
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// DropConnections closes every open connection, as a broker restart would
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// WaitFor polls cond until it holds or timeout elapses
func (s *Server) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// route must be called with s.mu held. It returns the publish hook to run
// after the lock is released.
func (s *Server) route(exchange, routingKey string, pub amqp.Publishing) func() {
	p := Publication{Exchange: exchange, RoutingKey: routingKey, Msg: pub}
	s.published = append(s.published, p)
	s.events = append(s.events, fmt.Sprintf("publish %s %s", exchange, routingKey))

	kind := s.exchanges[exchange]
	seen := make(map[string]bool)
	for _, b := range s.bindings {
		if b.exchange != exchange || seen[b.queue] {
			continue
		}
		matched := b.key == routingKey
		if kind == "topic" {
			matched = TopicMatch(b.key, routingKey)
		}
		if !matched {
			continue
		}
		if q, ok := s.queues[b.queue]; ok {
			seen[b.queue] = true
			q.ready = append(q.ready, message{exchange: exchange, routingKey: routingKey, pub: pub})
			s.dispatch(q)
		}
	}

	if hook := s.onPublish; hook != nil {
		return func() { hook(p) }
	}
	return nil
}

// dispatch hands ready messages to consumers with spare prefetch capacity.
// Must be called with s.mu held.
func (s *Server) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.ch.hasCapacity() {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.ready[0]
		s.nextTag++
		tag := s.nextTag

		d := amqp.Delivery{
			Acknowledger:    target.ch,
			Headers:         msg.pub.Headers,
			ContentType:     msg.pub.ContentType,
			ContentEncoding: msg.pub.ContentEncoding,
			DeliveryMode:    msg.pub.DeliveryMode,
			Priority:        msg.pub.Priority,
			CorrelationId:   msg.pub.CorrelationId,
			ReplyTo:         msg.pub.ReplyTo,
			Expiration:      msg.pub.Expiration,
			MessageId:       msg.pub.MessageId,
			Timestamp:       msg.pub.Timestamp,
			Type:            msg.pub.Type,
			UserId:          msg.pub.UserId,
			AppId:           msg.pub.AppId,
			ConsumerTag:     target.tag,
			DeliveryTag:     tag,
			Redelivered:     msg.redelivered,
			Exchange:        msg.exchange,
			RoutingKey:      msg.routingKey,
			Body:            msg.pub.Body,
		}

		select {
		case target.deliveries <- d:
			q.ready = q.ready[1:]
			s.unacked[tag] = unacked{queue: q, msg: msg, ch: target.ch}
			target.ch.inflight++
		default:
			return
		}
	}
}

func (s *Server) settle(ch *Channel, tag uint64, op string, requeue bool) error {
	s.mu.Lock()
	var hook func()
	defer func() {
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
	}()

	u, ok := s.unacked[tag]
	if !ok || u.ch != ch {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(s.unacked, tag)
	ch.inflight--

	q := u.queue
	switch {
	case op == "ack":
		s.events = append(s.events, "ack "+q.name)
	case requeue:
		s.events = append(s.events, "requeue "+q.name)
		u.msg.redelivered = true
		q.ready = append([]message{u.msg}, q.ready...)
	default:
		s.events = append(s.events, "discard "+q.name)
		if dlx, _ := q.args["x-dead-letter-exchange"].(string); dlx != "" {
			key := u.msg.routingKey
			if k, _ := q.args["x-dead-letter-routing-key"].(string); k != "" {
				key = k
			}
			hook = s.route(dlx, key, u.msg.pub)
		}
	}

	for _, other := range s.queues {
		s.dispatch(other)
	}
	return nil
}

// releaseChannel requeues the unacked messages of a closing channel and
// removes its consumers. Must be called with s.mu held.
func (s *Server) releaseChannel(ch *Channel) {
	for tag, u := range s.unacked {
		if u.ch != ch {
			continue
		}
		delete(s.unacked, tag)
		u.msg.redelivered = true
		u.queue.ready = append([]message{u.msg}, u.queue.ready...)
	}
	for _, q := range s.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.ch == ch {
				close(c.deliveries)
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
	for _, q := range s.queues {
		s.dispatch(q)
	}
}

// TopicMatch reports whether a topic binding pattern matches key
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// ErrNotFound mimics the 404 channel error for a missing queue
var ErrNotFound = &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue", Server: true}
