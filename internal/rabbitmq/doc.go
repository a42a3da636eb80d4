// Package rabbitmq wraps amqp091-go for the relay.
//
// This package includes:
//   - ConnectionManager: one connection and channel per role, with blocking
//     exponential-backoff reconnection and state listeners
//   - Publisher: persistent publishes to the shared topic exchange, with
//     optional publisher confirms
//   - Consumer: sequential manual-ack consumption with prefetch 1, settling
//     each delivery as Ack, Requeue or Discard
//   - TopologyManager: queue declaration, bindings and the optional
//     dead-letter pair
//
// Broker access goes through the narrow Channel and Connection interfaces so
// the components can be exercised without a broker.
package rabbitmq
