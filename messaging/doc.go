// Package messaging moves typed event envelopes over the broker.
//
// EventPublisher validates an envelope, checks that the routing key equals
// its event type and publishes it as a persistent JSON message through an
// internal/rabbitmq Publisher. EventSubscriber reads one durable queue and
// settles every delivery explicitly:
//   - undecodable bodies and envelopes whose event type differs from the
//     bound routing key are discarded without calling the handler
//   - a handler error or panic requeues the delivery
//   - an error wrapped with Reject discards it
//   - success acknowledges it
//
// Requeueing is unbounded unless WithMaxRedeliveries is set, in which case a
// reliability.AttemptTracker counts failures per event id and the message is
// discarded (and dead-lettered, when the queue has a DLQ) once the limit is
// reached.
//
// Example usage:
//
//	cm := rabbitmq.NewConnectionManager(settings)
//	consumer := rabbitmq.NewConsumer(cm, "cookie.changed", "cookie.changed")
//	sub := messaging.NewEventSubscriber(consumer, messaging.HandlerFor(
//		func(ctx context.Context, env *contracts.Envelope, c contracts.CookieChanged) error {
//			return install(c.NewCookie)
//		}))
//	err := sub.Run(ctx)
package messaging
