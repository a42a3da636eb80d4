package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected     = errors.New("rabbitmq: not connected")
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrReconnectAborted = errors.New("rabbitmq: reconnect aborted")
	ErrInvalidSettings  = errors.New("rabbitmq: invalid broker settings")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrPublishTimeout      = errors.New("rabbitmq: publish confirmation timeout")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
	ErrAlreadyConsuming  = errors.New("rabbitmq: already consuming")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Address   string    // Broker host:port
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.Address, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error is worth retrying after a reconnect
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidSettings):
		return false
	case errors.Is(err, ErrInvalidTopology):
		return false
	case errors.Is(err, ErrReconnectAborted):
		return false
	}

	// Channel-level errors such as PRECONDITION_FAILED on a redeclare with
	// different arguments will fail again on the next attempt.
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotAllowed:
			// bad credentials or vhost permissions
			return false
		}
		return amqpErr.Recover || !amqpErr.Server
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL removes the password from an AMQP URI
func SanitizeURL(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "***"
	}
	if uri.Password != "" {
		uri.Password = "***"
	}
	return uri.String()
}
