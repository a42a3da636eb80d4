package reliability

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyAttemptKey is returned when an attempt key is empty
	ErrEmptyAttemptKey = errors.New("attempts: empty key")

	// ErrTrackerUnavailable is returned when the attempt store cannot be reached
	ErrTrackerUnavailable = errors.New("attempts: tracker unavailable")
)

// TrackerError wraps a failure of the attempt store
type TrackerError struct {
	Op  string
	Key string
	Err error
}

func (e *TrackerError) Error() string {
	return fmt.Sprintf("attempts: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TrackerError) Unwrap() error {
	return e.Err
}

// Is lets callers match every store failure against ErrTrackerUnavailable
func (e *TrackerError) Is(target error) bool {
	return target == ErrTrackerUnavailable
}
