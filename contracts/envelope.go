package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Timestamp layouts accepted on decode. Python producers emit naive
// isoformat() strings without a zone; those are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Envelope wraps one typed payload with routing and tracing metadata.
// EventType always equals Data.EventType().
type Envelope struct {
	EventType     EventType
	Timestamp     time.Time
	EventID       string
	CorrelationID string
	Producer      string
	Data          Payload
}

// EnvelopeOption configures a new envelope
type EnvelopeOption func(*Envelope)

// WithEventID sets an explicit event id
func WithEventID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.EventID = id
	}
}

// WithNewEventID assigns a random UUID event id
func WithNewEventID() EnvelopeOption {
	return func(e *Envelope) {
		e.EventID = uuid.New().String()
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithProducer names the originating service
func WithProducer(name string) EnvelopeOption {
	return func(e *Envelope) {
		e.Producer = name
	}
}

// WithTimestamp overrides the creation instant
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.Timestamp = ts.UTC()
	}
}

// NewEnvelope wraps payload, taking the event type from the payload itself
func NewEnvelope(payload Payload, options ...EnvelopeOption) *Envelope {
	e := &Envelope{
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
	if payload != nil {
		e.EventType = payload.EventType()
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Validate checks the tag/payload agreement and the payload schema
func (e *Envelope) Validate() error {
	if e.Data == nil {
		return &DecodeError{EventType: string(e.EventType), Err: ErrMissingPayload}
	}
	if e.EventType != e.Data.EventType() {
		return &ValidationError{
			EventType: e.EventType,
			Field:     "event_type",
			Reason:    fmt.Sprintf("does not match %s payload", e.Data.EventType()),
		}
	}
	return e.Data.Validate()
}

// Encode validates the envelope and serializes it to JSON
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

type envelopeWire struct {
	EventType     EventType       `json:"event_type"`
	Timestamp     string          `json:"timestamp"`
	EventID       string          `json:"event_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Producer      string          `json:"producer,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, &DecodeError{EventType: string(e.EventType), Err: ErrMissingPayload}
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{
		EventType:     e.EventType,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventID:       e.EventID,
		CorrelationID: e.CorrelationID,
		Producer:      e.Producer,
		Data:          data,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload schema is chosen by
// event_type; unknown extra fields are ignored.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return &DecodeError{Err: err}
	}

	decode, ok := payloadDecoders[wire.EventType]
	if !ok {
		return &DecodeError{
			EventType: string(wire.EventType),
			Err:       fmt.Errorf("%w: %q", ErrUnknownEventType, wire.EventType),
		}
	}

	raw := bytes.TrimSpace(wire.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &DecodeError{EventType: string(wire.EventType), Err: ErrMissingPayload}
	}

	payload, err := decode(raw)
	if err != nil {
		if _, isValidation := err.(*ValidationError); isValidation {
			return err
		}
		return &DecodeError{EventType: string(wire.EventType), Err: err}
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return &DecodeError{EventType: string(wire.EventType), Err: err}
	}

	*e = Envelope{
		EventType:     wire.EventType,
		Timestamp:     ts,
		EventID:       wire.EventID,
		CorrelationID: wire.CorrelationID,
		Producer:      wire.Producer,
		Data:          payload,
	}
	return nil
}

// Decode parses and validates a wire envelope. Every failure matches
// ErrInvalidEnvelope.
func Decode(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		switch err.(type) {
		case *DecodeError, *ValidationError:
			return nil, err
		default:
			return nil, &DecodeError{Err: err}
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// As returns the payload as T when the envelope carries that variant
func As[T Payload](e *Envelope) (T, bool) {
	var zero T
	if e == nil || e.Data == nil {
		return zero, false
	}
	p, ok := e.Data.(T)
	return p, ok
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
