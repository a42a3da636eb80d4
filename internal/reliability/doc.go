// Package reliability provides the retry building blocks used by the relay.
//
// It contains:
//   - ExponentialBackoff: the delay schedule used to re-establish broker
//     connections (ReconnectBackoff is 5s doubling to a 60s cap, forever)
//   - Sleep: a context-aware wait between attempts
//   - CircuitBreaker: stops calling an operation that keeps failing
//   - AttemptTracker: per-message failure counters backing the optional
//     redelivery cap, kept in memory or in Redis when several replicas share
//     a queue
package reliability
