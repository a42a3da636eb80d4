package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEnvelope matches every decode and validation failure
	ErrInvalidEnvelope = errors.New("contracts: invalid envelope")

	// ErrUnknownEventType is returned for event types outside the closed set
	ErrUnknownEventType = errors.New("contracts: unknown event type")

	// ErrMissingPayload is returned when data is absent or null
	ErrMissingPayload = errors.New("contracts: missing payload")
)

// DecodeError reports a body that could not be parsed as an envelope
type DecodeError struct {
	EventType string // Declared event type, if it could be read
	Err       error  // Underlying error
}

func (e *DecodeError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("contracts: decode %s envelope: %v", e.EventType, e.Err)
	}
	return fmt.Sprintf("contracts: decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes every DecodeError match ErrInvalidEnvelope
func (e *DecodeError) Is(target error) bool {
	return target == ErrInvalidEnvelope
}

// ValidationError reports a payload that parsed but violates its schema
type ValidationError struct {
	EventType EventType // Variant being validated
	Field     string    // Offending field (wire name)
	Reason    string    // What is wrong with it
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contracts: invalid %s payload: %s %s", e.EventType, e.Field, e.Reason)
}

// Is makes every ValidationError match ErrInvalidEnvelope
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEnvelope
}

func required(t EventType, field string) error {
	return &ValidationError{EventType: t, Field: field, Reason: "is required"}
}

func requireNonEmpty(t EventType, field, value string) error {
	if value == "" {
		return required(t, field)
	}
	return nil
}
