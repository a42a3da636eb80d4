package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fbchat/relay/contracts"
)

// EventHandler handles one decoded envelope. A nil return acknowledges the
// delivery; any other error requeues it unless it was wrapped with Reject.
type EventHandler interface {
	HandleEvent(ctx context.Context, env *contracts.Envelope) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// HandlerFor adapts a function taking the concrete payload type. An envelope
// carrying any other payload is rejected without requeue.
func HandlerFor[T contracts.Payload](fn func(ctx context.Context, env *contracts.Envelope, payload T) error) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		payload, ok := contracts.As[T](env)
		if !ok {
			var want T
			return Reject(fmt.Errorf("%w: expected %T, got %s", ErrUnexpectedPayload, want, env.EventType))
		}
		return fn(ctx, env, payload)
	})
}

// RejectError marks a handler failure that must not be retried
type RejectError struct {
	Err error
}

func (e *RejectError) Error() string {
	return "rejected: " + e.Err.Error()
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// Reject wraps err so the subscriber discards the delivery instead of
// requeueing it
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &RejectError{Err: err}
}

// IsRejected reports whether err was wrapped with Reject
func IsRejected(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej)
}

// Middleware wraps a handler
type Middleware func(next EventHandler) EventHandler

// Chain applies middleware so that the first one listed runs outermost
func Chain(handler EventHandler, middleware ...Middleware) EventHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// LoggingMiddleware logs every handled envelope at debug level and every
// failure at warn level
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next EventHandler) EventHandler {
		return EventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			start := time.Now()
			err := next.HandleEvent(ctx, env)
			if err != nil {
				logger.Warn("event handler failed",
					"eventType", env.EventType,
					"eventId", env.EventID,
					"correlationId", env.CorrelationID,
					"duration", time.Since(start),
					"rejected", IsRejected(err),
					"error", err)
				return err
			}
			logger.Debug("event handled",
				"eventType", env.EventType,
				"eventId", env.EventID,
				"duration", time.Since(start))
			return nil
		})
	}
}
