package messaging

import "errors"

var (
	// ErrNilEnvelope is returned when publishing a nil envelope
	ErrNilEnvelope = errors.New("messaging: nil envelope")

	// ErrRoutingKeyMismatch is returned when the routing key differs from
	// the envelope's event type
	ErrRoutingKeyMismatch = errors.New("messaging: routing key does not match event type")

	// ErrUnexpectedPayload is returned by typed handlers for other payloads
	ErrUnexpectedPayload = errors.New("messaging: unexpected payload type")
)
